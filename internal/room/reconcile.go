package room

import (
	"bytes"

	"skeld/internal/protocol"
)

// maxBatchBytes keeps reconciliation batches under a single datagram.
const maxBatchBytes = 800

// reconcile returns the game data that turns local into canonical: despawns
// for objects canonical lacks, respawns for missing or re-owned spawns and
// Data for every component whose state differs.
func reconcile(local, canonical *Graph) []protocol.GameDataMessage {
	var msgs []protocol.GameDataMessage
	for _, o := range local.Objects() {
		if _, ok := canonical.Get(o.NetID); !ok {
			msgs = append(msgs, &protocol.Despawn{NetID: o.NetID})
		}
	}
	for _, spawnID := range canonical.order {
		rec := canonical.spawns[spawnID]
		drift := false
		for _, netID := range rec.NetIDs {
			o, ok := local.Get(netID)
			if !ok || o.OwnerID != rec.Owner {
				drift = true
				break
			}
		}
		if drift {
			for _, netID := range rec.NetIDs {
				if _, ok := local.Get(netID); ok {
					msgs = append(msgs, &protocol.Despawn{NetID: netID})
				}
			}
			msgs = append(msgs, canonical.SpawnMessage(spawnID))
			continue
		}
		for _, netID := range rec.NetIDs {
			want := canonical.objects[netID].Encode()
			if got := local.objects[netID].Encode(); !bytes.Equal(got, want) {
				msgs = append(msgs, &protocol.Data{NetID: netID, Data: want})
			}
		}
	}
	return msgs
}

// batches splits msgs into groups whose encoding stays under limit. A single
// oversized message gets a batch of its own.
func batches(msgs []protocol.GameDataMessage, limit int) [][]protocol.GameDataMessage {
	var out [][]protocol.GameDataMessage
	var cur []protocol.GameDataMessage
	size := 0
	for _, m := range msgs {
		n := len(protocol.EncodeGameData(m))
		if len(cur) > 0 && size+n > limit {
			out = append(out, cur)
			cur, size = nil, 0
		}
		cur = append(cur, m)
		size += n
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}
