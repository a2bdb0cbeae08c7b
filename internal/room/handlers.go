package room

import (
	"github.com/kiliankoe/roomsync/internal/game"
	"github.com/kiliankoe/roomsync/internal/protocol"
)

func (r *Room) onPing(c Client, msg protocol.Message) error {
	ping := msg.(protocol.Ping)
	return c.Send(protocol.MustEncode(protocol.Pong{Timestamp: ping.Timestamp}))
}

func (r *Room) onSetPlayerPing(c Client, msg protocol.Message) error {
	return r.state.SetPlayerPing(c.SessionID(), msg.(protocol.SetPlayerPing).Millis)
}

func (r *Room) onSetPlayerReady(c Client, msg protocol.Message) error {
	return r.state.SetPlayerReady(c.SessionID(), msg.(protocol.SetPlayerReady).Ready)
}

// onTransformMovementUpdate moves a known entity or starts tracking a new
// one owned by the sender.
func (r *Room) onTransformMovementUpdate(c Client, msg protocol.Message) error {
	upd := msg.(protocol.TransformMovementUpdate)
	if r.state.Transforms.Has(upd.EntityID) {
		return r.state.SetTransform(upd.EntityID, upd.Pose)
	}
	r.state.AddTransform(upd.EntityID, c.SessionID(), upd.Pose, game.TransformTypeDynamic, game.DefaultParameters)
	return nil
}

func (r *Room) onNewChatMessage(c Client, msg protocol.Message) error {
	r.state.AddChatMessage(msg.(protocol.NewChatMessage).Text, c.SessionID())
	return nil
}

// onLeave detaches the sender and closes its connection.
func (r *Room) onLeave(c Client, msg protocol.Message) error {
	r.handleLeave(c, msg.(protocol.Leave).Consented)
	return c.Close("leave")
}
