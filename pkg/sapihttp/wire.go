package sapihttp

import (
	"encoding/json"
	"strings"

	"sapiremote/pkg/sapi"
)

// Keys of the remote API's JSON documents.
const (
	keyID           = "id"
	keyProperties   = "properties"
	keyType         = "type"
	keyStatus       = "status"
	keySubmittedOn  = "submitted_on"
	keySolvedOn     = "solved_on"
	keyAnswer       = "answer"
	keyErrorMessage = "error_message"
)

const noErrorMessage = "(no error message provided)"

type submitEntry struct {
	Solver string          `json:"solver"`
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Params map[string]any  `json:"params"`
}

// object is a decoded JSON object whose values are decoded on access, so a
// missing key and a malformed value produce different errors.
type object struct {
	fields map[string]json.RawMessage
	url    string
}

func decodeObject(raw json.RawMessage, url string) (object, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return object{}, formatError(url)
	}
	return object{fields: fields, url: url}, nil
}

func decodeArray(body []byte, url string) ([]json.RawMessage, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil || entries == nil {
		return nil, formatError(url)
	}
	return entries, nil
}

func (o object) raw(key string) (json.RawMessage, error) {
	v, ok := o.fields[key]
	if !ok {
		return nil, sapi.ProtocolError("missing key: "+key, o.url)
	}
	return v, nil
}

func (o object) string(key string) (string, error) {
	v, err := o.raw(key)
	if err != nil {
		return "", err
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", formatError(o.url)
	}
	return s, nil
}

// optionalString returns "" when key is absent or not a string.
func (o object) optionalString(key string) string {
	var s string
	if v, ok := o.fields[key]; ok {
		_ = json.Unmarshal(v, &s)
	}
	return s
}

func (o object) errorMessage() string {
	if v, ok := o.fields[keyErrorMessage]; ok {
		var s string
		if json.Unmarshal(v, &s) == nil {
			return s
		}
	}
	return noErrorMessage
}

func (o object) status() (sapi.RemoteStatus, error) {
	s, err := o.string(keyStatus)
	if err != nil {
		return sapi.StatusUnknown, err
	}
	st, err := sapi.ParseRemoteStatus(s)
	if err != nil || st == sapi.StatusUnknown {
		return sapi.StatusUnknown, sapi.ProtocolError("unknown problem status: "+s, o.url)
	}
	return st, nil
}

func isNull(raw json.RawMessage) bool {
	return strings.TrimSpace(string(raw)) == "null"
}

func formatError(url string) *sapi.Error {
	return sapi.ProtocolError("JSON format error", url)
}

func decodeSolvers(body []byte, url string) ([]sapi.SolverInfo, error) {
	entries, err := decodeArray(body, url)
	if err != nil {
		return nil, err
	}
	solvers := make([]sapi.SolverInfo, 0, len(entries))
	for _, e := range entries {
		obj, err := decodeObject(e, url)
		if err != nil {
			return nil, err
		}
		id, err := obj.string(keyID)
		if err != nil {
			return nil, err
		}
		rawProps, err := obj.raw(keyProperties)
		if err != nil {
			return nil, err
		}
		var props map[string]any
		if err := json.Unmarshal(rawProps, &props); err != nil || props == nil {
			return nil, formatError(url)
		}
		solvers = append(solvers, sapi.SolverInfo{ID: id, Properties: props})
	}
	return solvers, nil
}

// decodeStatuses parses a submit or status response. A null entry is a
// problem the server rejected outright.
func decodeStatuses(body []byte, want int, url string) ([]sapi.RemoteProblemInfo, error) {
	entries, err := decodeArray(body, url)
	if err != nil {
		return nil, err
	}
	if len(entries) != want {
		return nil, sapi.ProtocolError("incorrect number of problem statuses provided", url)
	}

	infos := make([]sapi.RemoteProblemInfo, 0, len(entries))
	for _, e := range entries {
		if isNull(e) {
			infos = append(infos, sapi.RemoteProblemInfo{Status: sapi.StatusFailed, ErrorMessage: noErrorMessage})
			continue
		}
		obj, err := decodeObject(e, url)
		if err != nil {
			return nil, err
		}
		var info sapi.RemoteProblemInfo
		if info.ID, err = obj.string(keyID); err != nil {
			return nil, err
		}
		if info.Type, err = obj.string(keyType); err != nil {
			return nil, err
		}
		if info.Status, err = obj.status(); err != nil {
			return nil, err
		}
		info.SubmittedOn = obj.optionalString(keySubmittedOn)
		info.SolvedOn = obj.optionalString(keySolvedOn)
		if info.Status == sapi.StatusFailed {
			info.ErrorMessage = obj.errorMessage()
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func decodeAnswer(body []byte, url string) (sapi.Answer, error) {
	obj, err := decodeObject(body, url)
	if err != nil {
		return sapi.Answer{}, err
	}
	status, err := obj.status()
	if err != nil {
		return sapi.Answer{}, err
	}

	switch status {
	case sapi.StatusCompleted:
		typ, err := obj.string(keyType)
		if err != nil {
			return sapi.Answer{}, err
		}
		data, err := obj.raw(keyAnswer)
		if err != nil {
			return sapi.Answer{}, err
		}
		return sapi.Answer{Type: typ, Data: data}, nil
	case sapi.StatusPending, sapi.StatusInProgress:
		return sapi.Answer{}, sapi.NoAnswerError()
	case sapi.StatusFailed:
		return sapi.Answer{}, sapi.SolveError(obj.errorMessage())
	default:
		return sapi.Answer{}, sapi.ProblemCancelledError()
	}
}
