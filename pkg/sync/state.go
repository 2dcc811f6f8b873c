package sync

import (
	"encoding/json"
	"time"

	"github.com/hashicorp/go-version"

	"github.com/sidkik/ftp-deploy/pkg/errors"
)

// StateFormatVersion is the version written into new state files.
const StateFormatVersion = "1.0.0"

// supportedStateVersions are the state file versions this binary can diff
// against. Minor versions may only add fields.
const supportedStateVersions = ">= 1.0, < 2.0"

const stateDescription = "DO NOT DELETE THIS FILE. ftp-deploy uses it to " +
	"track which files were synced by the most recent deployment. If it's " +
	"removed, the next deployment re-uploads everything."

// State is the snapshot persisted on the server after each deployment. It's
// the diff baseline for the next deployment.
type State struct {
	Description string `json:"description"`
	Version     string `json:"version"`

	// GeneratedTime is in epoch milliseconds.
	GeneratedTime int64    `json:"generatedTime"`
	Data          []Record `json:"data"`
}

// NewState creates a state file for the given records.
func NewState(records []Record, generated time.Time) State {
	if records == nil {
		records = []Record{}
	}
	return State{
		Description:   stateDescription,
		Version:       StateFormatVersion,
		GeneratedTime: generated.UnixNano() / int64(time.Millisecond),
		Data:          records,
	}
}

// Marshal serializes the state.
func (s State) Marshal() ([]byte, error) {
	b, err := json.MarshalIndent(s, "", "    ")
	if err != nil {
		return nil, errors.WithContext(err, "marshal state")
	}
	return b, nil
}

// IncompatibleStateError is returned when the state file was written by an
// incompatible version of ftp-deploy.
type IncompatibleStateError struct {
	Version string
}

func (err IncompatibleStateError) Error() string {
	return err.FriendlyMessage()
}

// FriendlyMessage describes the incompatibility to the user.
func (err IncompatibleStateError) FriendlyMessage() string {
	return "The state file on the server has version " + err.Version +
		", which is incompatible with this version of ftp-deploy " +
		"(supports " + supportedStateVersions + ")."
}

// ParseState parses a state file and checks that its format is supported.
func ParseState(b []byte) (State, error) {
	var state State
	if err := json.Unmarshal(b, &state); err != nil {
		return State{}, errors.WithContext(err, "unmarshal state")
	}

	stateVersion, err := version.NewVersion(state.Version)
	if err != nil {
		return State{}, errors.WithContext(err, "parse state version")
	}

	constraint, err := version.NewConstraint(supportedStateVersions)
	if err != nil {
		return State{}, errors.WithContext(err, "parse supported versions")
	}

	if !constraint.Check(stateVersion) {
		return State{}, IncompatibleStateError{Version: state.Version}
	}

	for _, record := range state.Data {
		if record.Path == "" {
			return State{}, errors.MissingFieldError{Field: "name"}
		}
		if record.Kind != KindFile && record.Kind != KindFolder {
			return State{}, errors.InvalidFieldError{
				Field:  "type",
				Value:  record.Kind,
				Reason: "must be file or folder",
			}
		}
	}
	return state, nil
}
