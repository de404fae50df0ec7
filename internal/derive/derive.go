// Package derive turns raw feed snapshots into the per-route vehicle batches
// and per-stop arrival batches that subscribers consume. Everything here is a
// pure function of its inputs.
package derive

import (
	"sort"

	"transit-fanout/internal/gtfs"
)

// NoDestination is the destination of a vehicle whose next stop is unknown.
const NoDestination = ""

// MaxArrivalsPerRoute bounds the arrivals published per route at one stop.
const MaxArrivalsPerRoute = 3

// StopCodes maps raw numeric stop ids to canonical stop codes.
type StopCodes map[string]string

// Canonical returns the stop code for id, or id itself when unmapped.
func (c StopCodes) Canonical(id string) string {
	if code, ok := c[id]; ok && code != "" {
		return code
	}
	return id
}

// Result holds the output of one derivation run, keyed by route and stop.
type Result struct {
	Vehicles map[string][]gtfs.DerivedVehicle
	Arrivals map[string][]gtfs.StopArrival
	Skipped  int
}

func Derive(vf *gtfs.VehicleFeed, tf *gtfs.TripFeed, codes StopCodes) Result {
	vehicles, vs := Vehicles(vf, tf, codes)
	arrivals, as := Arrivals(tf, codes)
	return Result{Vehicles: vehicles, Arrivals: arrivals, Skipped: vs + as}
}

// Vehicles derives the next stop of every vehicle and groups them by route.
// The second return value counts records that could not be placed on a route.
func Vehicles(vf *gtfs.VehicleFeed, tf *gtfs.TripFeed, codes StopCodes) (map[string][]gtfs.DerivedVehicle, int) {
	out := make(map[string][]gtfs.DerivedVehicle)
	if vf == nil {
		return out, 0
	}
	trips := indexTrips(tf)
	skipped := 0
	for _, v := range vf.Vehicles {
		var tu *gtfs.TripUpdate
		if v.TripID != "" {
			tu = trips[v.TripID]
		}
		routeID := v.RouteID
		if routeID == "" && tu != nil {
			routeID = tu.RouteID
		}
		if routeID == "" {
			skipped++
			continue
		}
		ts := v.Timestamp
		if ts == 0 {
			ts = vf.Timestamp
		}
		out[routeID] = append(out[routeID], gtfs.DerivedVehicle{
			RouteID:             routeID,
			TripID:              v.TripID,
			VehicleID:           v.VehicleID,
			Lat:                 v.Lat,
			Lon:                 v.Lon,
			Bearing:             v.Bearing,
			DestinationStopID:   Destination(v, tu, codes),
			OccupancyStatus:     v.OccupancyStatus,
			OccupancyPercentage: v.OccupancyPercentage,
			Timestamp:           ts,
		})
	}
	return out, skipped
}

// Destination resolves the stop a vehicle is heading to.
//
// In transit or incoming, the current stop is the destination. Stopped at a
// stop, the destination is the entry after it in the trip's stop time
// updates; if the stop is not listed, the first listed stop when it differs.
// Otherwise the current stop, and NoDestination when there is none.
func Destination(v gtfs.VehicleSnapshot, tu *gtfs.TripUpdate, codes StopCodes) string {
	current := NoDestination
	if v.CurrentStopID != "" {
		current = codes.Canonical(v.CurrentStopID)
	}

	switch v.CurrentStatus {
	case gtfs.StatusInTransitTo, gtfs.StatusIncomingAt:
		if current != NoDestination {
			return current
		}
	case gtfs.StatusStoppedAt:
		if next := nextStopAfter(current, tu, codes); next != NoDestination {
			return next
		}
	}
	return current
}

func nextStopAfter(current string, tu *gtfs.TripUpdate, codes StopCodes) string {
	if tu == nil {
		return NoDestination
	}
	seq := make([]string, 0, len(tu.StopTimeUpdates))
	for _, stu := range tu.StopTimeUpdates {
		if stu.StopID == "" {
			continue
		}
		seq = append(seq, codes.Canonical(stu.StopID))
	}
	if len(seq) == 0 {
		return NoDestination
	}
	if current != NoDestination {
		for i, sid := range seq {
			if sid != current {
				continue
			}
			if i+1 < len(seq) {
				return seq[i+1]
			}
			// last stop of the trip
			return NoDestination
		}
	}
	if seq[0] != current {
		return seq[0]
	}
	return NoDestination
}

func indexTrips(tf *gtfs.TripFeed) map[string]*gtfs.TripUpdate {
	idx := make(map[string]*gtfs.TripUpdate)
	if tf == nil {
		return idx
	}
	for i := range tf.Updates {
		u := &tf.Updates[i]
		if _, dup := idx[u.TripID]; !dup {
			idx[u.TripID] = u
		}
	}
	return idx
}

type tripStop struct{ tripID, stopID string }

// Arrivals builds one batch per stop holding, for every route serving it,
// the MaxArrivalsPerRoute soonest arrivals sorted by arrival time. Entries
// without a stop id or arrival time are skipped and counted; a trip
// contributes at most one arrival per stop, the first one seen.
func Arrivals(tf *gtfs.TripFeed, codes StopCodes) (map[string][]gtfs.StopArrival, int) {
	out := make(map[string][]gtfs.StopArrival)
	if tf == nil {
		return out, 0
	}
	seen := make(map[tripStop]struct{})
	byStop := make(map[string]map[string][]gtfs.StopArrival) // stop -> route -> arrivals
	skipped := 0
	for _, u := range tf.Updates {
		for _, stu := range u.StopTimeUpdates {
			if stu.StopID == "" || stu.ArrivalTime == 0 {
				skipped++
				continue
			}
			stopID := codes.Canonical(stu.StopID)
			k := tripStop{u.TripID, stopID}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}

			routes := byStop[stopID]
			if routes == nil {
				routes = make(map[string][]gtfs.StopArrival)
				byStop[stopID] = routes
			}
			routes[u.RouteID] = append(routes[u.RouteID], gtfs.StopArrival{
				StopID:       stopID,
				RouteID:      u.RouteID,
				TripID:       u.TripID,
				ArrivalTime:  stu.ArrivalTime,
				DelaySeconds: stu.ArrivalDelaySec,
				Timestamp:    tf.Timestamp,
			})
		}
	}

	for stopID, routes := range byStop {
		routeIDs := make([]string, 0, len(routes))
		for r := range routes {
			routeIDs = append(routeIDs, r)
		}
		sort.Strings(routeIDs)

		var batch []gtfs.StopArrival
		for _, r := range routeIDs {
			list := routes[r]
			sort.SliceStable(list, func(i, j int) bool { return list[i].ArrivalTime < list[j].ArrivalTime })
			if len(list) > MaxArrivalsPerRoute {
				list = list[:MaxArrivalsPerRoute]
			}
			batch = append(batch, list...)
		}
		out[stopID] = batch
	}
	return out, skipped
}
