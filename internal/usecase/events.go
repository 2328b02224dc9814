package usecase

import (
	"wakelingo/internal/domain"
	"wakelingo/internal/ports"
)

// event is anything the loop consumes: a command from a caller or a
// callback posted by a subordinate component.
type event interface {
	isEvent()
}

// Commands carry a buffered reply channel.
type (
	startCommand     struct{ reply chan error }
	stopCommand      struct{ reply chan error }
	replayCommand    struct{ reply chan error }
	languagesCommand struct {
		primary string
		target  string
		reply   chan error
	}
	closeCommand struct{ reply chan error }
)

// Callbacks carry the generation of the instance that produced them. The loop
// ignores any whose generation has been superseded.
type (
	permissionResolved struct {
		gen     uint64
		session ports.AudioSession
		err     error
	}
	captureFailed struct {
		gen uint64
		err error
	}
	listenerArmed struct {
		arm  uint64
		kind domain.TriggerKind
		err  error
	}
	triggerFired struct {
		arm  uint64
		kind domain.TriggerKind
	}
	recognitionFailed struct {
		arm uint64
		err error
	}
	partialTranscript struct {
		arm  uint64
		text string
	}
	chunkReady struct {
		rec   uint64
		chunk []byte
	}
	socketState   struct{ state domain.ConnectionState }
	socketMessage struct{ result domain.TranslationResult }
	channelFailed struct{ err error }
)

func (startCommand) isEvent()       {}
func (stopCommand) isEvent()        {}
func (replayCommand) isEvent()      {}
func (languagesCommand) isEvent()   {}
func (closeCommand) isEvent()       {}
func (permissionResolved) isEvent() {}
func (captureFailed) isEvent()      {}
func (listenerArmed) isEvent()      {}
func (triggerFired) isEvent()       {}
func (recognitionFailed) isEvent()  {}
func (partialTranscript) isEvent()  {}
func (chunkReady) isEvent()         {}
func (socketState) isEvent()        {}
func (socketMessage) isEvent()      {}
func (channelFailed) isEvent()      {}
