package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"

	"github.com/kiliankoe/roomsync/internal/replication"
)

var ErrUnknownPath = errors.New("unknown replication path")

// Mirror is the client-side replica of a room's State. It is rebuilt from
// snapshots and patches only, and fires the same add/change/remove events
// as the server collections.
type Mirror struct {
	Status       *replication.Value[Status]
	Players      *replication.Map[*Player]
	Transforms   *replication.Map[*Transform]
	ChatMessages *replication.List[ChatMessage]
}

func NewMirror() *Mirror {
	return &Mirror{
		Status:       replication.NewValue(StatusPending),
		Players:      replication.NewMap[*Player](),
		Transforms:   replication.NewMap[*Transform](),
		ChatMessages: replication.NewList[ChatMessage](),
	}
}

// Load reconciles the mirror with a full snapshot. Entries missing from
// the snapshot are removed, differing ones changed and new ones added, so
// listeners converge no matter how many patches were missed.
func (m *Mirror) Load(snap Snapshot) {
	m.Status.Set(snap.Status)
	reconcile(m.Players, snap.Players)
	reconcile(m.Transforms, snap.Transforms)
	for i := m.ChatMessages.Len(); i < len(snap.ChatMessages); i++ {
		m.ChatMessages.Append(snap.ChatMessages[i])
	}
}

func reconcile[V comparable](dst *replication.Map[*V], src map[string]*V) {
	for _, key := range dst.Keys() {
		if _, ok := src[key]; !ok {
			dst.Delete(key)
		}
	}
	keys := make([]string, 0, len(src))
	for key := range src {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		incoming := *src[key]
		cur, ok := dst.Get(key)
		if !ok {
			dst.Set(key, &incoming)
			continue
		}
		if *cur == incoming {
			continue
		}
		dst.Update(key, func(v *V) { *v = incoming })
	}
}

// Apply merges patches in order. A patch that cannot be applied is
// skipped; the returned error joins every such failure.
func (m *Mirror) Apply(patches []replication.Patch) error {
	var errs []error
	for _, p := range patches {
		var err error
		switch p.Path {
		case PathStatus:
			var status Status
			if err = json.Unmarshal(p.Value, &status); err == nil {
				m.Status.Set(status)
			}
		case PathPlayers:
			err = applyMapPatch(m.Players, p)
		case PathTransforms:
			err = applyMapPatch(m.Transforms, p)
		case PathChatMessages:
			err = m.applyChatPatch(p)
		default:
			err = ErrUnknownPath
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s %s/%s: %w", p.Op, p.Path, p.Key, err))
		}
	}
	return errors.Join(errs...)
}

func applyMapPatch[V any](dst *replication.Map[*V], p replication.Patch) error {
	switch p.Op {
	case replication.OpAdd:
		v := new(V)
		if err := json.Unmarshal(p.Value, v); err != nil {
			return err
		}
		if dst.Has(p.Key) {
			dst.Update(p.Key, func(cur *V) { *cur = *v })
			return nil
		}
		dst.Set(p.Key, v)
	case replication.OpChange:
		var err error
		ok := dst.Update(p.Key, func(cur *V) { err = json.Unmarshal(p.Value, cur) })
		if !ok {
			return ErrNotFound
		}
		return err
	case replication.OpRemove:
		dst.Delete(p.Key)
	default:
		return fmt.Errorf("unsupported op %q", p.Op)
	}
	return nil
}

func (m *Mirror) applyChatPatch(p replication.Patch) error {
	if p.Op != replication.OpAdd {
		return fmt.Errorf("unsupported op %q", p.Op)
	}
	index, err := strconv.Atoi(p.Key)
	if err != nil {
		return err
	}
	if index < m.ChatMessages.Len() {
		return nil
	}
	if index > m.ChatMessages.Len() {
		return fmt.Errorf("gap before index %d", index)
	}
	var msg ChatMessage
	if err := json.Unmarshal(p.Value, &msg); err != nil {
		return err
	}
	m.ChatMessages.Append(msg)
	return nil
}
