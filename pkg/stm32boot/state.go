// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package stm32boot

// State is the phase a flashing session is in.
type State int

const (
	StateIdle State = iota
	StateResettingIn
	StateEnteringBootloader
	StateSynchronizing
	StateIdentifying
	StateReady
	StateErasing
	StateWriting
	StateExecuting
	StateResettingOut
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:               "IDLE",
	StateResettingIn:        "RESETTING_IN",
	StateEnteringBootloader: "ENTERING_BOOTLOADER",
	StateSynchronizing:      "SYNCHRONIZING",
	StateIdentifying:        "IDENTIFYING",
	StateReady:              "READY",
	StateErasing:            "ERASING",
	StateWriting:            "WRITING",
	StateExecuting:          "EXECUTING",
	StateResettingOut:       "RESETTING_OUT",
	StateFailed:             "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}
