// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stages

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// StageSetup wraps a Stage with two possible hooks (pre and post) to be used within the StageHandler.
type StageSetup struct {
	// Stage to be executed.
	Stage Stage

	// PreHook will be executed before starting the Stage, if not nil.
	PreHook func(*StageHandler, *State) error
	// PostHook will be executed after a finished Stage, if not nil.
	PostHook func(*StageHandler, *State) error
}

// Status of a StageHandler.
type Status uint8

const (
	InProgress Status = iota
	Active
	Inactive
)

func (s Status) String() string {
	switch s {
	case InProgress:
		return "in progress"
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// StageHandler executes a sequence of Stages and passes the State from one Stage to another. Each Advance call
// progresses as far as the Conn allows without blocking. The handler becomes Active or Inactive exactly once.
type StageHandler struct {
	stages []StageSetup
	state  *State

	current int
	entered bool

	status Status

	logger *log.Entry
}

// NewStageHandler for a slice of Stages and a Configuration.
func NewStageHandler(stages []StageSetup, config Configuration, logger *log.Entry) *StageHandler {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}

	return &StageHandler{
		stages: stages,
		state: &State{
			Configuration: config,
			Phase:         PhaseInitializing,
		},
		logger: logger,
	}
}

func (sh *StageHandler) log() *log.Entry {
	return sh.logger.WithField("phase", sh.state.Phase)
}

// Append Stages to be executed after the current ones, e.g., from a PostHook.
func (sh *StageHandler) Append(setups ...StageSetup) {
	sh.stages = append(sh.stages, setups...)
}

// State of the handshake. It must not be altered while the handshake is in progress.
func (sh *StageHandler) State() *State {
	return sh.state
}

// Status of the handshake.
func (sh *StageHandler) Status() Status {
	return sh.status
}

// Advance the handshake on the Conn. A terminal Status is returned again on each further call.
func (sh *StageHandler) Advance(conn Conn) (Status, error) {
	if sh.status != InProgress {
		return sh.status, sh.state.StageError
	}

	for sh.current < len(sh.stages) {
		setup := sh.stages[sh.current]

		if !sh.entered {
			if setup.PreHook != nil {
				if err := setup.PreHook(sh, sh.state); err != nil {
					return sh.terminate(err)
				}
			}
			sh.entered = true
		}

		done, err := setup.Stage.Advance(sh.state, conn)
		if err != nil {
			return sh.terminate(err)
		} else if !done {
			return InProgress, nil
		}

		sh.log().WithField("stage", fmt.Sprintf("%T", setup.Stage)).Debug("Finished handshake stage")

		if setup.PostHook != nil {
			if err := setup.PostHook(sh, sh.state); err != nil {
				return sh.terminate(err)
			}
		}

		sh.current++
		sh.entered = false
	}

	sh.status = Active
	sh.state.Phase = PhaseActive
	sh.log().WithFields(log.Fields{
		"protocol":    sh.state.Protocol,
		"compression": sh.state.Compression,
	}).Debug("Handshake finished")

	return Active, nil
}

func (sh *StageHandler) terminate(err error) (Status, error) {
	sh.log().WithError(err).Warn("Handshake failed")

	sh.status = Inactive
	sh.state.Phase = PhaseInactive
	sh.state.StageError = err

	return Inactive, err
}
