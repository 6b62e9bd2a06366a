package models

import (
	"time"
)

// ConnectionInfo is a snapshot of one client connection
type ConnectionInfo struct {
	ClientID  int32     `json:"client_id"`
	Addr      string    `json:"addr"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Platform  string    `json:"platform"`
	Room      string    `json:"room,omitempty"`
	RTTMillis int64     `json:"rtt_ms"`
	Unacked   int       `json:"unacked"`
	LastSeen  time.Time `json:"last_seen"`
}

// PlayerInfo is a roster entry of a room
type PlayerInfo struct {
	ClientID    int32     `json:"client_id"`
	Name        string    `json:"name"`
	Platform    string    `json:"platform"`
	Host        bool      `json:"host"`
	Ready       bool      `json:"ready"`
	Perspective string    `json:"perspective,omitempty"`
	JoinedAt    time.Time `json:"joined_at"`
}

// RoomInfo represents a game room
type RoomInfo struct {
	Code                string       `json:"code"`
	State               string       `json:"state"`
	Public              bool         `json:"public"`
	ServerAuthoritative bool         `json:"server_authoritative"`
	HostID              int32        `json:"host_id"`
	ActingHosts         []int32      `json:"acting_hosts,omitempty"`
	MaxPlayers          int          `json:"max_players"`
	Players             []PlayerInfo `json:"players"`
	Waiting             []int32      `json:"waiting,omitempty"`
	Objects             int          `json:"objects"`
	Perspectives        int          `json:"perspectives"`
	CreatedAt           time.Time    `json:"created_at"`
}
