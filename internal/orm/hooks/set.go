package hooks

// Set is the immutable hook configuration of one resource
type Set struct {
	pre  map[Event][]Hook
	post map[Event][]Hook
}

// Hooks returns the hooks of a phase and event in registration order
func (s *Set) Hooks(phase Phase, event Event) []Hook {
	if s == nil {
		return nil
	}
	var src []Hook
	if phase == Preprocess {
		src = s.pre[event]
	} else {
		src = s.post[event]
	}
	out := make([]Hook, len(src))
	copy(out, src)
	return out
}

// Len returns the number of hooks registered for a phase and event
func (s *Set) Len(phase Phase, event Event) int {
	if s == nil {
		return 0
	}
	if phase == Preprocess {
		return len(s.pre[event])
	}
	return len(s.post[event])
}

// Builder collects hooks before they are frozen into a Set
type Builder struct {
	pre  map[Event][]Hook
	post map[Event][]Hook
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	return &Builder{pre: make(map[Event][]Hook), post: make(map[Event][]Hook)}
}

// Pre appends preprocess hooks for event
func (b *Builder) Pre(event Event, hooks ...Hook) *Builder {
	b.pre[event] = append(b.pre[event], hooks...)
	return b
}

// Post appends postprocess hooks for event
func (b *Builder) Post(event Event, hooks ...Hook) *Builder {
	b.post[event] = append(b.post[event], hooks...)
	return b
}

// Register appends hooks under an event name such as "patch_single"
func (b *Builder) Register(phase Phase, name string, hooks ...Hook) error {
	event, err := ParseEvent(name)
	if err != nil {
		return err
	}
	if phase == Preprocess {
		b.Pre(event, hooks...)
	} else {
		b.Post(event, hooks...)
	}
	return nil
}

// Build freezes the builder. PUT and PATCH share one code path, so PUT
// hooks are appended onto the matching PATCH event.
func (b *Builder) Build() *Set {
	return &Set{pre: freeze(b.pre), post: freeze(b.post)}
}

func freeze(src map[Event][]Hook) map[Event][]Hook {
	out := make(map[Event][]Hook, len(src))
	for event, hooks := range src {
		out[event] = append([]Hook(nil), hooks...)
	}
	out[PatchSingle] = append(out[PatchSingle], out[PutSingle]...)
	out[PatchMany] = append(out[PatchMany], out[PutMany]...)
	delete(out, PutSingle)
	delete(out, PutMany)
	return out
}

// Combine returns a set running the hooks of first before those of
// second for every phase and event.
func Combine(first, second *Set) *Set {
	out := &Set{pre: make(map[Event][]Hook), post: make(map[Event][]Hook)}
	for _, s := range []*Set{first, second} {
		if s == nil {
			continue
		}
		for event, hooks := range s.pre {
			out.pre[event] = append(out.pre[event], hooks...)
		}
		for event, hooks := range s.post {
			out.post[event] = append(out.post[event], hooks...)
		}
	}
	return out
}
