/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package events

import (
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Marshal encodes an event as a protobuf Struct, the on-disk format of the journal and
// the result store.
func Marshal(e *Event) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"device":   e.Device,
		"seq":      e.Seq,
		"kind":     e.Kind,
		"phase":    e.Phase.String(),
		"time":     e.Time.UTC().Format(time.RFC3339Nano),
		"duration": e.Duration.String(),
		"err":      e.Err,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "could not convert event")
	}
	return proto.Marshal(s)
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(data []byte) (*Event, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, errors.WithMessage(err, "error decoding to proto, is the data corrupt?")
	}
	f := s.GetFields()

	phase, err := ParsePhase(f["phase"].GetStringValue())
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, f["time"].GetStringValue())
	if err != nil {
		return nil, errors.WithMessage(err, "bad event time")
	}
	d, err := time.ParseDuration(f["duration"].GetStringValue())
	if err != nil {
		return nil, errors.WithMessage(err, "bad event duration")
	}

	return &Event{
		Device:   f["device"].GetStringValue(),
		Seq:      uint64(f["seq"].GetNumberValue()),
		Kind:     f["kind"].GetStringValue(),
		Phase:    phase,
		Time:     t,
		Duration: d,
		Err:      f["err"].GetStringValue(),
	}, nil
}
