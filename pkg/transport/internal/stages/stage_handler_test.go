// SPDX-FileCopyrightText: 2020 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

package stages

import (
	"errors"
	"testing"
)

func TestStageHandlerDummy(t *testing.T) {
	s1 := dummyStage{calls: 3}
	s2 := dummyStage{calls: 2}

	var hooks []string
	stages := []StageSetup{
		{
			Stage: &s1,
			PreHook: func(*StageHandler, *State) error {
				hooks = append(hooks, "pre1")
				return nil
			},
			PostHook: func(*StageHandler, *State) error {
				hooks = append(hooks, "post1")
				return nil
			},
		},
		{Stage: &s2},
	}

	sh := NewStageHandler(stages, Configuration{}, nil)
	conn, _ := newTestConnPair(0)

	for i := 0; i < 3; i++ {
		if status, err := sh.Advance(conn); err != nil {
			t.Fatal(err)
		} else if status != InProgress {
			t.Fatalf("call %d: status %v", i, status)
		}
	}

	if status, err := sh.Advance(conn); err != nil {
		t.Fatal(err)
	} else if status != Active {
		t.Fatalf("status %v", status)
	} else if sh.State().Phase != PhaseActive {
		t.Fatalf("phase %v", sh.State().Phase)
	}

	if len(hooks) != 2 || hooks[0] != "pre1" || hooks[1] != "post1" {
		t.Fatalf("hooks were called as %v", hooks)
	}

	// Terminal states are kept.
	if status, err := sh.Advance(conn); err != nil || status != Active {
		t.Fatalf("status %v, error %v", status, err)
	}
	if s1.advanced != 3 || s2.advanced != 2 {
		t.Fatalf("stages were advanced %d and %d times", s1.advanced, s2.advanced)
	}
}

func TestStageHandlerError(t *testing.T) {
	stageErr := errors.New("stage error")

	s1 := dummyStage{calls: 2, err: stageErr}
	s2 := dummyStage{calls: 1}

	sh := NewStageHandler([]StageSetup{{Stage: &s1}, {Stage: &s2}}, Configuration{}, nil)
	conn, _ := newTestConnPair(0)

	if status, _ := sh.Advance(conn); status != InProgress {
		t.Fatalf("status %v", status)
	}

	for i := 0; i < 2; i++ {
		if status, err := sh.Advance(conn); status != Inactive {
			t.Fatalf("status %v", status)
		} else if !errors.Is(err, stageErr) {
			t.Fatalf("error %v", err)
		}
	}

	if s2.advanced != 0 {
		t.Fatal("stage after a failed one was advanced")
	} else if sh.State().StageError != stageErr || sh.State().Phase != PhaseInactive {
		t.Fatalf("state %v, %v", sh.State().StageError, sh.State().Phase)
	}
}

func TestStageHandlerAppend(t *testing.T) {
	appended := dummyStage{calls: 1}
	stages := []StageSetup{{
		Stage: &dummyStage{calls: 1},
		PostHook: func(sh *StageHandler, _ *State) error {
			sh.Append(StageSetup{Stage: &appended})
			return nil
		},
	}}

	sh := NewStageHandler(stages, Configuration{}, nil)
	conn, _ := newTestConnPair(0)

	if status, err := sh.Advance(conn); err != nil || status != Active {
		t.Fatalf("status %v, error %v", status, err)
	} else if appended.advanced != 1 {
		t.Fatal("appended stage was not advanced")
	}
}

func TestStageHandlerHookError(t *testing.T) {
	hookErr := errors.New("hook error")
	stages := []StageSetup{{
		Stage: &dummyStage{calls: 1},
		PreHook: func(*StageHandler, *State) error {
			return hookErr
		},
	}}

	sh := NewStageHandler(stages, Configuration{}, nil)
	conn, _ := newTestConnPair(0)

	if status, err := sh.Advance(conn); status != Inactive || !errors.Is(err, hookErr) {
		t.Fatalf("status %v, error %v", status, err)
	}
}
