package rpc

import (
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/beaver-alloc/pkg/types"
)

// errUnknownEvent 無法辨識的事件類型
var errUnknownEvent = errors.New("unknown event type")

type requestTotalRequest struct {
	Targets map[types.ResourceClassID]int `json:"targets"`
	Hints   types.LocalityHints           `json:"hints,omitempty"`
}

type requestTotalResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

type killRequest struct {
	IDs     []types.ExecutorID `json:"ids"`
	Options types.KillOptions  `json:"options"`
}

type killResponse struct {
	Killed []types.ExecutorID `json:"killed"`
}

type submitStageRequest struct {
	ResourceClass types.ResourceClassID `json:"resource_class"`
	NumTasks      int                   `json:"num_tasks"`
	LocalityPrefs [][]string            `json:"locality_prefs,omitempty"`
}

type submitStageResponse struct {
	Attempt types.StageAttempt `json:"attempt"`
}

type eventEnvelope struct {
	Type  types.EventType `json:"type"`
	Event json.RawMessage `json:"event"`
}

// toStruct 透過 JSON 將 Go 值轉為 Struct
func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal %T into map: %w", v, err)
	}
	return structpb.NewStruct(m)
}

// fromStruct 透過 JSON 將 Struct 轉回 Go 值
func fromStruct(s *structpb.Struct, v interface{}) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return fmt.Errorf("marshal struct: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal struct into %T: %w", v, err)
	}
	return nil
}

func encodeEvent(ev types.Event) (*structpb.Struct, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.Type(), err)
	}
	return toStruct(eventEnvelope{Type: ev.Type(), Event: raw})
}

func decodeEvent(s *structpb.Struct) (types.Event, error) {
	var env eventEnvelope
	if err := fromStruct(s, &env); err != nil {
		return nil, err
	}

	var ev types.Event
	var err error
	switch env.Type {
	case types.EventStageSubmitted:
		ev, err = decodeAs[types.StageSubmitted](env.Event)
	case types.EventStageCompleted:
		ev, err = decodeAs[types.StageCompleted](env.Event)
	case types.EventTaskStart:
		ev, err = decodeAs[types.TaskStart](env.Event)
	case types.EventTaskEnd:
		ev, err = decodeAs[types.TaskEnd](env.Event)
	case types.EventSpeculativeTaskSubmitted:
		ev, err = decodeAs[types.SpeculativeTaskSubmitted](env.Event)
	case types.EventExecutorAdded:
		ev, err = decodeAs[types.ExecutorAdded](env.Event)
	case types.EventExecutorRemoved:
		ev, err = decodeAs[types.ExecutorRemoved](env.Event)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func decodeAs[T types.Event](raw json.RawMessage) (types.Event, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}
