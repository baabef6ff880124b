package geo

// Transform is a node in the floating origin hierarchy. A child's world
// position is its parent's world position plus its local offset, so an
// origin shift applied to a root is transparent to consumers working in
// world space.
//
// Transforms are owned by the scheduler loop and must only be mutated
// there.
type Transform struct {
	parent   *Transform
	children []*Transform

	local    Vec3
	rotation Vec3
	scale    float64
}

func NewTransform() *Transform {
	return &Transform{scale: 1}
}

func (t *Transform) SetParent(parent *Transform) {
	if t.parent == parent {
		return
	}

	if t.parent != nil {
		t.parent.removeChild(t)
	}

	t.parent = parent
	if parent != nil {
		parent.children = append(parent.children, t)
	}
}

func (t *Transform) Parent() *Transform {
	return t.parent
}

func (t *Transform) Children() []*Transform {
	return t.children
}

func (t *Transform) removeChild(child *Transform) {
	for i, c := range t.children {
		if c == child {
			t.children[i] = t.children[len(t.children)-1]
			t.children = t.children[:len(t.children)-1]
			return
		}
	}
}

func (t *Transform) LocalPosition() Vec3 {
	return t.local
}

func (t *Transform) SetLocalPosition(p Vec3) {
	t.local = p
}

func (t *Transform) Rotation() Vec3 {
	return t.rotation
}

func (t *Transform) SetRotation(r Vec3) {
	t.rotation = r
}

func (t *Transform) Scale() float64 {
	return t.scale
}

func (t *Transform) SetScale(s float64) {
	t.scale = s
}

// WorldPosition walks the parent chain and returns the node position in
// origin relative world space.
func (t *Transform) WorldPosition() Vec3 {
	p := t.local
	for node := t.parent; node != nil; node = node.parent {
		p = Add(p, node.local)
	}
	return p
}

// ApplyOriginShift subtracts the given shift from the node's local
// position. The subtree follows implicitly since children are stored
// relative to their parent. Returns the node for chaining.
func (t *Transform) ApplyOriginShift(shift Vec3) *Transform {
	t.local = Sub(t.local, shift)
	return t
}

// Origin tracks the world space offset of the render origin and rebases
// tracked root transforms when the focus moves too far from it.
type Origin struct {
	// The distance from the current origin beyond which a rebase is
	// triggered.
	RebaseDistance float64

	offset Vec3
	roots  []*Transform
}

func NewOrigin(rebaseDistance float64) *Origin {
	return &Origin{RebaseDistance: rebaseDistance}
}

// Track registers a root transform to be shifted on rebase. Non root
// transforms follow their parent and must not be registered.
func (o *Origin) Track(t *Transform) {
	o.roots = append(o.roots, t)
}

func (o *Origin) Untrack(t *Transform) {
	for i, r := range o.roots {
		if r == t {
			o.roots[i] = o.roots[len(o.roots)-1]
			o.roots = o.roots[:len(o.roots)-1]
			return
		}
	}
}

// Offset returns the world position of the current render origin.
func (o *Origin) Offset() Vec3 {
	return o.offset
}

// WorldPoint converts an origin relative point to absolute world space.
func (o *Origin) WorldPoint(p Vec3) Vec3 {
	return Add(p, o.offset)
}

// Rebase moves the origin to the given absolute world focus point when it
// drifted beyond RebaseDistance, shifting every tracked root so their world
// positions are unchanged. Reports whether a rebase happened.
func (o *Origin) Rebase(focus Vec3) bool {
	shift := Sub(focus, o.offset)
	if shift.Length() <= o.RebaseDistance {
		return false
	}

	for _, root := range o.roots {
		root.ApplyOriginShift(shift)
	}
	o.offset = focus
	return true
}
