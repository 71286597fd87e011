// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rollout

import (
	"fmt"
)

// State is a state of a rollout.
type State int

const (
	Init State = iota
	ResolvingSlot
	StartingNew
	AwaitingHealth
	Shifting
	RollingBack

	// Terminal states.
	Finalized
	RolledBack
	InitialDeployDone
	Aborted
)

var stateNames = map[State]string{
	Init:              "INIT",
	ResolvingSlot:     "RESOLVING_SLOT",
	StartingNew:       "STARTING_NEW",
	AwaitingHealth:    "AWAITING_HEALTH",
	Shifting:          "SHIFTING",
	RollingBack:       "ROLLING_BACK",
	Finalized:         "FINALIZED",
	RolledBack:        "ROLLED_BACK",
	InitialDeployDone: "INITIAL_DEPLOY_DONE",
	Aborted:           "ABORTED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal returns whether s is a terminal state.
func (s State) Terminal() bool {
	return s >= Finalized
}

// Succeeded returns whether s is a successful terminal state.
func (s State) Succeeded() bool {
	return s == Finalized || s == InitialDeployDone
}

// transitions lists the legal transitions out of every non-terminal state.
// Every non-terminal state may also move to Aborted.
var transitions = map[State][]State{
	Init:           {ResolvingSlot},
	ResolvingSlot:  {StartingNew},
	StartingNew:    {AwaitingHealth, InitialDeployDone},
	AwaitingHealth: {Shifting, RollingBack},
	Shifting:       {Finalized},
	RollingBack:    {RolledBack},
}

func legal(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Aborted {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StartFailure is returned when a new slot never becomes discoverable after
// it was started. Nothing is rolled back.
type StartFailure struct {
	Namespace string
	Service   string
	Err       error // nil if the runtime reported no error
}

func (e *StartFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("start %s in %s: %v", e.Service, e.Namespace, e.Err)
	}
	return fmt.Sprintf("start %s in %s: instance not found after start", e.Service, e.Namespace)
}

func (e *StartFailure) Unwrap() error { return e.Err }

// HealthTimeout is returned when a new slot didn't pass its health gate. The
// slot has been rolled back when it is returned.
type HealthTimeout struct {
	Key      string // composite service key of the slot
	Attempts int
	Err      error // set if the gate itself failed
}

func (e *HealthTimeout) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("health gate of %s: %v", e.Key, e.Err)
	}
	return fmt.Sprintf("health gate of %s: unhealthy after %d attempts", e.Key, e.Attempts)
}

func (e *HealthTimeout) Unwrap() error { return e.Err }
