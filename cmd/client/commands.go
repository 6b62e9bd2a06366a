package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"skeld/internal/client"
	"skeld/internal/protocol"
)

const commandTimeout = 5 * time.Second

const helpText = `commands:
  host                 create a room
  join <CODE>          join a room
  start                start the game (host)
  end                  end the game (host)
  public | private     change room visibility (host)
  kick <id> | ban <id> remove a player (host)
  platforms            list player platforms
  leave                leave the room
  exit                 quit`

// handleCommand runs one typed command and returns the line to print.
func handleCommand(c *client.Client, line string) string {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	code := c.Room()
	needRoom := func() error {
		if code == 0 {
			return client.ErrNotInRoom
		}
		return nil
	}

	var err error
	switch tokens[0] {
	case "help":
		return helpText
	case "host":
		var created int32
		created, err = c.HostGame(ctx, protocol.GameSettings{MaxPlayers: 10, NumImpostors: 1})
		if err == nil {
			var reply protocol.RootMessage
			if reply, err = c.JoinGame(ctx, created); err == nil {
				return describe(reply)
			}
		}
	case "join":
		if len(tokens) < 2 {
			return "usage: join <CODE>"
		}
		var target int32
		if target, err = protocol.ParseGameCode(strings.ToUpper(tokens[1])); err == nil {
			var reply protocol.RootMessage
			if reply, err = c.JoinGame(ctx, target); err == nil {
				return describe(reply)
			}
		}
	case "start":
		if err = needRoom(); err == nil {
			err = c.Send(&protocol.StartGame{Code: code})
		}
	case "end":
		if err = needRoom(); err == nil {
			err = c.Send(&protocol.EndGame{Code: code, Reason: protocol.GameOverHumansByVote})
		}
	case "public", "private":
		var value uint8
		if tokens[0] == "public" {
			value = 1
		}
		if err = needRoom(); err == nil {
			err = c.Send(&protocol.AlterGame{Code: code, Flag: protocol.AlterGamePrivacy, Value: value})
		}
	case "kick", "ban":
		if len(tokens) < 2 {
			return "usage: " + tokens[0] + " <id>"
		}
		var id int
		if id, err = strconv.Atoi(tokens[1]); err == nil {
			if err = needRoom(); err == nil {
				err = c.Send(&protocol.KickPlayerRequest{Code: code, ClientID: int32(id), Banned: tokens[0] == "ban"})
			}
		}
	case "platforms":
		if err = needRoom(); err == nil {
			err = c.Send(&protocol.QueryPlatformIds{Code: code})
		}
	case "leave":
		err = c.LeaveGame()
	default:
		return fmt.Sprintf("unknown command %q, try help", tokens[0])
	}
	if err != nil {
		return "error: " + err.Error()
	}
	return "ok"
}

// describe renders a server message for the output pane.
func describe(m protocol.RootMessage) string {
	switch m := m.(type) {
	case *protocol.HostGameResponse:
		return "room created: " + protocol.FormatGameCode(m.Code)
	case *protocol.JoinedGame:
		return fmt.Sprintf("joined %s as %d, host %d, %d other players",
			protocol.FormatGameCode(m.Code), m.ClientID, m.HostID, len(m.Players))
	case *protocol.JoinGameError:
		return fmt.Sprintf("refused: %s %s", m.Reason, m.Message)
	case *protocol.PlayerJoined:
		if m.ClientID == protocol.TempClientID {
			return fmt.Sprintf("host is now %d", m.HostID)
		}
		return fmt.Sprintf("%s (%d) joined", m.Name, m.ClientID)
	case *protocol.RemovePlayer:
		if m.ClientID == protocol.TempClientID {
			return ""
		}
		return fmt.Sprintf("%d left (%s), host %d", m.ClientID, m.Reason, m.HostID)
	case *protocol.WaitForHost:
		return "waiting for the host to return"
	case *protocol.StartGame:
		return "game starting"
	case *protocol.EndGame:
		return fmt.Sprintf("game over (%d)", m.Reason)
	case *protocol.RemoveGame:
		return fmt.Sprintf("room closed: %s", m.Reason)
	case *protocol.KickPlayer:
		if m.Banned {
			return fmt.Sprintf("%d was banned", m.ClientID)
		}
		return fmt.Sprintf("%d was kicked", m.ClientID)
	case *protocol.AlterGame:
		if m.Value == 1 {
			return "room is now public"
		}
		return "room is now private"
	case *protocol.PlatformIds:
		parts := make([]string, 0, len(m.Entries))
		for _, e := range m.Entries {
			parts = append(parts, fmt.Sprintf("%s=%d", e.Name, e.Platform))
		}
		return "platforms: " + strings.Join(parts, ", ")
	case *protocol.GameData, *protocol.GameDataTo:
		return ""
	}
	return fmt.Sprintf("message tag %d", m.Tag())
}
