package layer

import "github.com/akhenakh/zarrlayer/gpu"

// framePair holds the two offscreen targets frames are composed in. The
// previous frame is blitted into next before the resident tiles are drawn
// on top, so tiles still loading show their last known content.
type framePair struct {
	current, next gpu.RenderTarget
	width, height int
}

func newFramePair(dev gpu.Device, width, height int) (*framePair, error) {
	current, err := dev.NewRenderTarget(width, height)
	if err != nil {
		return nil, err
	}
	next, err := dev.NewRenderTarget(width, height)
	if err != nil {
		current.Release()
		return nil, err
	}
	return &framePair{current: current, next: next, width: width, height: height}, nil
}

func (f *framePair) swap() {
	f.current, f.next = f.next, f.current
}

func (f *framePair) release() {
	f.current.Release()
	f.next.Release()
}
