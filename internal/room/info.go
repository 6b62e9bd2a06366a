package room

import (
	"fmt"

	"skeld/pkg/models"
)

// Info returns a read-only snapshot of the room.
func (r *Room) Info() models.RoomInfo {
	info := models.RoomInfo{
		Code:                r.CodeString(),
		State:               r.state.String(),
		Public:              r.public,
		ServerAuthoritative: r.cfg.ServerAuthoritative,
		HostID:              r.authority,
		ActingHosts:         r.ActingHosts(),
		MaxPlayers:          r.cfg.MaxPlayers,
		Players:             make([]models.PlayerInfo, 0, len(r.players)),
		Waiting:             r.Waiting(),
		Objects:             r.objects.Len(),
		Perspectives:        len(r.perspectives),
		CreatedAt:           r.createdAt,
	}
	for _, p := range r.Players() {
		pi := models.PlayerInfo{
			ClientID: p.ClientID,
			Name:     p.Name,
			Platform: fmt.Sprint(p.Platform),
			Host:     r.CanHost(p.ClientID),
			Ready:    p.Ready,
			JoinedAt: p.JoinedAt,
		}
		if owner, ok := r.claims[p.ClientID]; ok {
			pi.Perspective = owner.String()
		}
		info.Players = append(info.Players, pi)
	}
	return info
}
