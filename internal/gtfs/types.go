package gtfs

import (
	"fmt"
	"strings"
)

// StopStatus mirrors GTFS-realtime VehicleStopStatus.
type StopStatus string

const (
	StatusIncomingAt  StopStatus = "INCOMING_AT"
	StatusStoppedAt   StopStatus = "STOPPED_AT"
	StatusInTransitTo StopStatus = "IN_TRANSIT_TO"
)

// VehicleSnapshot is one vehicle entity of a vehicle positions feed.
type VehicleSnapshot struct {
	EntityID            string
	RouteID             string
	TripID              string
	VehicleID           string
	Lat                 float64
	Lon                 float64
	Bearing             float64
	CurrentStopID       string
	CurrentStatus       StopStatus
	OccupancyStatus     string
	OccupancyPercentage *int
	Timestamp           int64 // unix seconds, 0 if missing
}

type StopTimeUpdate struct {
	StopID          string
	Sequence        int
	ArrivalTime     int64 // unix seconds, 0 if missing
	ArrivalDelaySec int
}

type TripUpdate struct {
	TripID          string
	RouteID         string
	StopTimeUpdates []StopTimeUpdate
}

// VehicleFeed is a decoded vehicle positions snapshot.
type VehicleFeed struct {
	Timestamp int64 // header timestamp
	Vehicles  []VehicleSnapshot
	Skipped   int // entities dropped while decoding
}

// TripFeed is a decoded trip updates snapshot.
type TripFeed struct {
	Timestamp int64
	Updates   []TripUpdate
	Skipped   int
}

// DerivedVehicle is the unit published on vehicle:<routeId> topics.
type DerivedVehicle struct {
	RouteID             string  `json:"routeId"`
	TripID              string  `json:"tripId,omitempty"`
	VehicleID           string  `json:"vehicleId"`
	Lat                 float64 `json:"lat"`
	Lon                 float64 `json:"lon"`
	Bearing             float64 `json:"bearing"`
	DestinationStopID   string  `json:"destinationStopId"`
	OccupancyStatus     string  `json:"occupancyStatus,omitempty"`
	OccupancyPercentage *int    `json:"occupancyPercentage,omitempty"`
	Timestamp           int64   `json:"timestamp"`
}

// StopArrival is one upcoming arrival published on stop:<stopId> topics.
type StopArrival struct {
	StopID       string `json:"stopId"`
	RouteID      string `json:"routeId"`
	TripID       string `json:"tripId"`
	ArrivalTime  int64  `json:"arrivalTime"`
	DelaySeconds int    `json:"delaySeconds"`
	Timestamp    int64  `json:"timestamp"`
}

// Kind names the family a topic belongs to.
type Kind string

const (
	KindVehicle Kind = "vehicle"
	KindStop    Kind = "stop"
	// KindProbe topics carry no data; they only answer connectivity checks.
	KindProbe Kind = "probe"
)

// Topic keys look like "vehicle:02" or "stop:ADELADA1".
func TopicKey(kind Kind, id string) string { return string(kind) + ":" + id }

func VehicleTopic(routeID string) string { return TopicKey(KindVehicle, routeID) }
func StopTopic(stopID string) string     { return TopicKey(KindStop, stopID) }

// ProbeTopic is answered by one empty batch and a completion.
const ProbeTopic = "probe:"

// ParseTopic splits a topic key into its kind and identifier.
func ParseTopic(key string) (Kind, string, error) {
	kind, id, ok := strings.Cut(key, ":")
	if !ok {
		return "", "", fmt.Errorf("invalid topic %q: missing kind", key)
	}
	switch Kind(kind) {
	case KindVehicle, KindStop:
		if strings.TrimSpace(id) == "" {
			return "", "", fmt.Errorf("invalid topic %q: empty id", key)
		}
	case KindProbe:
	default:
		return "", "", fmt.Errorf("invalid topic %q: unknown kind %q", key, kind)
	}
	return Kind(kind), id, nil
}

// Batch is the set of records one poll cycle produced for one topic.
// It is either a VehicleBatch or an ArrivalBatch.
type Batch interface {
	Topic() string
	Len() int
	isBatch()
}

type VehicleBatch struct {
	RouteID  string
	Vehicles []DerivedVehicle
}

func (b VehicleBatch) Topic() string { return VehicleTopic(b.RouteID) }
func (b VehicleBatch) Len() int      { return len(b.Vehicles) }
func (VehicleBatch) isBatch()        {}

type ArrivalBatch struct {
	StopID   string
	Arrivals []StopArrival
}

func (b ArrivalBatch) Topic() string { return StopTopic(b.StopID) }
func (b ArrivalBatch) Len() int      { return len(b.Arrivals) }
func (ArrivalBatch) isBatch()        {}

// ProbeBatch is the empty payload sent on the probe topic.
type ProbeBatch struct{}

func (ProbeBatch) Topic() string { return ProbeTopic }
func (ProbeBatch) Len() int      { return 0 }
func (ProbeBatch) isBatch()      {}
