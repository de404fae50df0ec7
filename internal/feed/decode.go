package feed

import (
	"fmt"
	"strings"

	gtfsrt "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"transit-fanout/internal/gtfs"
)

// Format selects the wire encoding of the upstream feeds.
type Format string

const (
	FormatJSON     Format = "json"
	FormatProtobuf Format = "protobuf"
)

func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return FormatJSON, nil
	case "protobuf", "proto", "pb":
		return FormatProtobuf, nil
	}
	return "", fmt.Errorf("unknown feed format %q", s)
}

func (f Format) accept() string {
	if f == FormatProtobuf {
		return "application/x-protobuf"
	}
	return "application/json"
}

// Feeds in the wild omit proto2 required fields and carry vendor fields.
var (
	jsonOpts  = protojson.UnmarshalOptions{AllowPartial: true, DiscardUnknown: true}
	protoOpts = proto.UnmarshalOptions{AllowPartial: true, DiscardUnknown: true}
)

func unmarshal(b []byte, f Format) (*gtfsrt.FeedMessage, error) {
	var fm gtfsrt.FeedMessage
	var err error
	if f == FormatProtobuf {
		err = protoOpts.Unmarshal(b, &fm)
	} else {
		err = jsonOpts.Unmarshal(b, &fm)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s feed: %w", f, err)
	}
	return &fm, nil
}

// DecodeVehicles decodes a vehicle positions payload. Entities that are not
// vehicles are ignored; vehicles without an id or position are counted as
// skipped.
func DecodeVehicles(b []byte, f Format) (*gtfs.VehicleFeed, error) {
	fm, err := unmarshal(b, f)
	if err != nil {
		return nil, err
	}
	out := &gtfs.VehicleFeed{Timestamp: int64(fm.GetHeader().GetTimestamp())}
	for _, e := range fm.GetEntity() {
		vp := e.GetVehicle()
		if vp == nil || e.GetIsDeleted() {
			continue
		}
		v, ok := vehicleFromEntity(e.GetId(), vp)
		if !ok {
			out.Skipped++
			continue
		}
		out.Vehicles = append(out.Vehicles, v)
	}
	return out, nil
}

func vehicleFromEntity(entityID string, vp *gtfsrt.VehiclePosition) (gtfs.VehicleSnapshot, bool) {
	pos := vp.GetPosition()
	if pos == nil {
		return gtfs.VehicleSnapshot{}, false
	}
	v := gtfs.VehicleSnapshot{
		EntityID:      entityID,
		RouteID:       vp.GetTrip().GetRouteId(),
		TripID:        vp.GetTrip().GetTripId(),
		VehicleID:     firstNonEmpty(vp.GetVehicle().GetId(), vp.GetVehicle().GetLabel(), entityID),
		Lat:           float64(pos.GetLatitude()),
		Lon:           float64(pos.GetLongitude()),
		Bearing:       float64(pos.GetBearing()),
		CurrentStopID: vp.GetStopId(),
		CurrentStatus: stopStatus(vp.GetCurrentStatus()),
		Timestamp:     int64(vp.GetTimestamp()),
	}
	if v.VehicleID == "" {
		return gtfs.VehicleSnapshot{}, false
	}
	if vp.OccupancyStatus != nil {
		v.OccupancyStatus = vp.GetOccupancyStatus().String()
	}
	if vp.OccupancyPercentage != nil {
		pct := int(vp.GetOccupancyPercentage())
		v.OccupancyPercentage = &pct
	}
	return v, true
}

func stopStatus(s gtfsrt.VehiclePosition_VehicleStopStatus) gtfs.StopStatus {
	switch s {
	case gtfsrt.VehiclePosition_INCOMING_AT:
		return gtfs.StatusIncomingAt
	case gtfsrt.VehiclePosition_STOPPED_AT:
		return gtfs.StatusStoppedAt
	default:
		return gtfs.StatusInTransitTo
	}
}

// DecodeTrips decodes a trip updates payload. Trip updates without a trip id
// are counted as skipped; individual stop time updates are kept as is and
// filtered during derivation.
func DecodeTrips(b []byte, f Format) (*gtfs.TripFeed, error) {
	fm, err := unmarshal(b, f)
	if err != nil {
		return nil, err
	}
	out := &gtfs.TripFeed{Timestamp: int64(fm.GetHeader().GetTimestamp())}
	for _, e := range fm.GetEntity() {
		tu := e.GetTripUpdate()
		if tu == nil || e.GetIsDeleted() {
			continue
		}
		tripID := tu.GetTrip().GetTripId()
		if tripID == "" {
			out.Skipped++
			continue
		}
		u := gtfs.TripUpdate{
			TripID:          tripID,
			RouteID:         tu.GetTrip().GetRouteId(),
			StopTimeUpdates: make([]gtfs.StopTimeUpdate, 0, len(tu.GetStopTimeUpdate())),
		}
		for _, stu := range tu.GetStopTimeUpdate() {
			u.StopTimeUpdates = append(u.StopTimeUpdates, gtfs.StopTimeUpdate{
				StopID:          stu.GetStopId(),
				Sequence:        int(stu.GetStopSequence()),
				ArrivalTime:     stu.GetArrival().GetTime(),
				ArrivalDelaySec: int(stu.GetArrival().GetDelay()),
			})
		}
		out.Updates = append(out.Updates, u)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
