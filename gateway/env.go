package gateway

// Snapshotter is any state component that can capture and restore itself.
// DiscardSnapshot commits: it releases a capture without restoring it.
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Environment snapshots several state components as one atomic unit. A revert
// restores every part to the moment the composite snapshot was taken, in
// reverse order of capture.
type Environment struct {
	parts     []Snapshotter
	snapshots [][]int
}

func NewEnvironment(parts ...Snapshotter) *Environment {
	return &Environment{parts: parts}
}

func (env *Environment) Snapshot() int {
	ids := make([]int, len(env.parts))
	for i, part := range env.parts {
		ids[i] = part.Snapshot()
	}
	env.snapshots = append(env.snapshots, ids)
	return len(env.snapshots) - 1
}

func (env *Environment) RevertToSnapshot(id int) {
	if id < 0 || id >= len(env.snapshots) {
		return
	}
	ids := env.snapshots[id]
	for i := len(env.parts) - 1; i >= 0; i-- {
		env.parts[i].RevertToSnapshot(ids[i])
	}
	env.snapshots = env.snapshots[:id]
}

// DiscardSnapshot commits the composite snapshot: every part releases its
// capture without restoring it.
func (env *Environment) DiscardSnapshot(id int) {
	if id < 0 || id >= len(env.snapshots) {
		return
	}
	ids := env.snapshots[id]
	for i, part := range env.parts {
		part.DiscardSnapshot(ids[i])
	}
	env.snapshots = env.snapshots[:id]
}
