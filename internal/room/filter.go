package room

import (
	"context"

	"skeld/internal/event"
	"skeld/internal/protocol"
)

// FilterMessage is what a perspective filter sees. Exactly one of GameData
// and Root is set; a handler may replace it to alter what crosses.
type FilterMessage struct {
	Kind     protocol.MessageKind
	GameData protocol.GameDataMessage
	Root     protocol.RootMessage
}

// Filter is a set of handler chains keyed by message kind.
type Filter struct {
	chains map[protocol.MessageKind]*event.Chain[FilterMessage]
}

func NewFilter() *Filter {
	return &Filter{chains: make(map[protocol.MessageKind]*event.Chain[FilterMessage])}
}

// On registers h for messages of kind.
func (f *Filter) On(kind protocol.MessageKind, h event.Handler[FilterMessage]) {
	c, ok := f.chains[kind]
	if !ok {
		c = &event.Chain[FilterMessage]{}
		f.chains[kind] = c
	}
	c.On(h)
}

// Pass runs the chain for m and reports whether m survives.
func (f *Filter) Pass(ctx context.Context, m *FilterMessage) bool {
	c, ok := f.chains[m.Kind]
	if !ok {
		return true
	}
	return c.Emit(ctx, m) == event.Continue
}

func (f *Filter) gameData(ctx context.Context, msgs []protocol.GameDataMessage) []protocol.GameDataMessage {
	var out []protocol.GameDataMessage
	for _, m := range msgs {
		fm := &FilterMessage{Kind: protocol.KindOf(m), GameData: m}
		if f.Pass(ctx, fm) && fm.GameData != nil {
			out = append(out, fm.GameData)
		}
	}
	return out
}

func (f *Filter) roots(ctx context.Context, msgs []protocol.RootMessage) []protocol.RootMessage {
	var out []protocol.RootMessage
	for _, m := range msgs {
		fm := &FilterMessage{Kind: protocol.RootKind(m.Tag()), Root: m}
		if f.Pass(ctx, fm) && fm.Root != nil {
			out = append(out, fm.Root)
		}
	}
	return out
}
