// Package interp smooths remote entities toward their last authoritative
// pose and throttles the local entity's pose updates.
package interp

import (
	"strconv"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/kiliankoe/roomsync/internal/pose"
)

const (
	DefaultSmoothing = 0.2
	DefaultTolerance = time.Second
)

// NetworkState is the replication bookkeeping of one entity.
type NetworkState struct {
	// ServerReplicate marks entities driven by the server rather than
	// local input.
	ServerReplicate  bool
	ServerData       pose.Pose
	ServerLastUpdate time.Time
	ClientLastUpdate time.Time
}

type Entity struct {
	ID       string
	Position mgl64.Vec3
	// Rotation is the Euler rotation in radians, authoritative for locally
	// controlled entities.
	Rotation mgl64.Vec3
	// Orientation is the rendered orientation.
	Orientation mgl64.Quat
	Network     NetworkState
}

func NewEntity(id string, p pose.Pose) *Entity {
	e := &Entity{ID: id}
	e.SetPose(p)
	e.Network.ServerData = p
	return e
}

// SetPose places the entity immediately.
func (e *Entity) SetPose(p pose.Pose) {
	e.Position = Vec(p.Position)
	e.Rotation = Vec(p.Rotation)
	e.Orientation = Orientation(p.Rotation)
}

func (e *Entity) Pose() pose.Pose {
	return pose.Pose{
		Position: pose.Vector3{X: e.Position.X(), Y: e.Position.Y(), Z: e.Position.Z()},
		Rotation: pose.Vector3{X: e.Rotation.X(), Y: e.Rotation.Y(), Z: e.Rotation.Z()},
	}
}

func (e *Entity) NetworkState() *NetworkState { return &e.Network }

// Receive records an authoritative pose received at now.
func (e *Entity) Receive(p pose.Pose, now time.Time) {
	e.Network.ServerData = p
	e.Network.ServerLastUpdate = now
}

func Vec(v pose.Vector3) mgl64.Vec3 { return mgl64.Vec3{v.X, v.Y, v.Z} }

// Orientation converts an Euler rotation to a quaternion as yaw (Y), then
// pitch (X), then roll (Z).
func Orientation(euler pose.Vector3) mgl64.Quat {
	return mgl64.AnglesToQuat(euler.Y, euler.X, euler.Z, mgl64.YXZ)
}

type Interpolator struct {
	Smoothing float64
	Tolerance time.Duration
}

func DefaultInterpolator() Interpolator {
	return Interpolator{Smoothing: DefaultSmoothing, Tolerance: DefaultTolerance}
}

// Step moves a replicated entity one tick toward its server pose and
// reports whether it moved. Entities whose last update is older than the
// tolerance stay where they are.
func (in Interpolator) Step(e *Entity, now time.Time) bool {
	if !e.Network.ServerReplicate {
		return false
	}
	if now.Sub(e.Network.ServerLastUpdate) >= in.Tolerance {
		return false
	}
	target := e.Network.ServerData
	e.Position = lerp(e.Position, Vec(target.Position), in.Smoothing)
	e.Rotation = Vec(target.Rotation)
	e.Orientation = slerp(e.Orientation, Orientation(target.Rotation), in.Smoothing)
	e.Network.ClientLastUpdate = now
	return true
}

func lerp(from, to mgl64.Vec3, t float64) mgl64.Vec3 {
	return from.Add(to.Sub(from).Mul(t))
}

// slerp takes the shorter arc between the two orientations.
func slerp(from, to mgl64.Quat, t float64) mgl64.Quat {
	if from.Dot(to) < 0 {
		to = to.Scale(-1)
	}
	return mgl64.QuatSlerp(from, to, t)
}

// FormatPosition renders the entity's position as "x,y,z" with two
// decimals.
func FormatPosition(e *Entity) string {
	return strconv.FormatFloat(e.Position.X(), 'f', 2, 64) + "," +
		strconv.FormatFloat(e.Position.Y(), 'f', 2, 64) + "," +
		strconv.FormatFloat(e.Position.Z(), 'f', 2, 64)
}
