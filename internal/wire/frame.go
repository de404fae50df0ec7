// Package wire defines the JSON frames exchanged over the subscriber
// websocket. One connection carries many subscriptions, each identified by
// a client-chosen id.
package wire

import (
	"fmt"

	"transit-fanout/internal/gtfs"
)

const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePing        = "ping"

	TypeNext     = "next"
	TypeError    = "error"
	TypeComplete = "complete"
	TypePong     = "pong"
)

type Frame struct {
	Type     string                `json:"type"`
	ID       string                `json:"id,omitempty"`
	Topic    string                `json:"topic,omitempty"`
	Vehicles []gtfs.DerivedVehicle `json:"vehicles,omitempty"`
	Arrivals []gtfs.StopArrival    `json:"arrivals,omitempty"`
	Message  string                `json:"message,omitempty"`
}

func Subscribe(id, topic string) Frame { return Frame{Type: TypeSubscribe, ID: id, Topic: topic} }
func Unsubscribe(id string) Frame      { return Frame{Type: TypeUnsubscribe, ID: id} }
func Complete(id string) Frame         { return Frame{Type: TypeComplete, ID: id} }

func Error(id string, err error) Frame {
	return Frame{Type: TypeError, ID: id, Message: err.Error()}
}

// Next wraps a batch delivered on subscription id.
func Next(id string, b gtfs.Batch) Frame {
	f := Frame{Type: TypeNext, ID: id, Topic: b.Topic()}
	switch v := b.(type) {
	case gtfs.VehicleBatch:
		f.Vehicles = v.Vehicles
	case gtfs.ArrivalBatch:
		f.Arrivals = v.Arrivals
	}
	return f
}

// Batch rebuilds the batch of a next frame from its topic kind.
func (f Frame) Batch() (gtfs.Batch, error) {
	if f.Type != TypeNext {
		return nil, fmt.Errorf("frame %q carries no batch", f.Type)
	}
	kind, id, err := gtfs.ParseTopic(f.Topic)
	if err != nil {
		return nil, err
	}
	switch kind {
	case gtfs.KindVehicle:
		return gtfs.VehicleBatch{RouteID: id, Vehicles: f.Vehicles}, nil
	case gtfs.KindStop:
		return gtfs.ArrivalBatch{StopID: id, Arrivals: f.Arrivals}, nil
	default:
		return gtfs.ProbeBatch{}, nil
	}
}
