package player

// FullscreenController abstracts the two fullscreen APIs the player has
// to deal with: the standard document-level API, and the element-level
// API some mobile platforms expose instead. The session only toggles;
// the embedding surface decides which controller applies.
type FullscreenController interface {
	Enter() error
	Exit() error
}

// StandardFullscreen models the standard Fullscreen API.
type StandardFullscreen struct{}

func (StandardFullscreen) Enter() error { return nil }
func (StandardFullscreen) Exit() error  { return nil }

// ElementFullscreen models element-level fullscreen (the mobile special
// case), which applies to the video element rather than a container.
type ElementFullscreen struct{}

func (ElementFullscreen) Enter() error { return nil }
func (ElementFullscreen) Exit() error  { return nil }
