package gtfs

type Trip struct {
	TripID      string
	RouteID     string
	ShapeID     string
	ServiceID   string
	BlockID     string
	DirectionID string
	RunID       string
}

type StopTime struct {
	StopSequence      int
	ArrivalSec        int     // seconds since midnight (can exceed 24h)
	DepartureSec      int     // seconds since midnight (can exceed 24h)
	ShapeDistTraveled float64 // feed units, if available; 0 if missing
	StopID            string
	StopLat           float64
	StopLon           float64
}

type ShapePoint struct {
	Lat          float64
	Lon          float64
	Sequence     int
	DistTraveled float64 // feed units, if available; 0 if missing
}

// Block is the ordered sequence of trips one vehicle runs in a service day.
type Block struct {
	BlockID       string
	Trips         []*BlockTrip
	TotalDistance float64 // meters
	// KeyTimes and KeyDists are the block's time -> distance schedule,
	// filled by schedule.BuildBlock.
	KeyTimes []int
	KeyDists []float64
}

// BlockTrip is a trip placed along its block.
type BlockTrip struct {
	Trip
	Sequence           int
	DistanceAlongBlock float64 // meters from block start to trip start
	Distance           float64 // trip length in meters
	StopTimes          []BlockStopTime
	Shape              []ShapePoint
	Cum                []float64 // cumulative shape distances, aligned with Shape
}

// BlockStopTime is a stop time with its position along the block.
type BlockStopTime struct {
	StopTime
	DistanceAlongTrip  float64
	DistanceAlongBlock float64
}

// FirstDeparture returns the scheduled departure at the first stop.
func (t *BlockTrip) FirstDeparture() int {
	if len(t.StopTimes) == 0 {
		return 0
	}
	st := t.StopTimes[0]
	if st.DepartureSec > 0 {
		return st.DepartureSec
	}
	return st.ArrivalSec
}

// LastArrival returns the scheduled arrival at the last stop.
func (t *BlockTrip) LastArrival() int {
	if len(t.StopTimes) == 0 {
		return 0
	}
	st := t.StopTimes[len(t.StopTimes)-1]
	if st.ArrivalSec > 0 {
		return st.ArrivalSec
	}
	return st.DepartureSec
}

// BlockInstance is a block bound to a service date.
type BlockInstance struct {
	Block       *Block
	ServiceDate int64 // epoch ms of service-day midnight
}

func (bi BlockInstance) ID() string {
	if bi.Block == nil {
		return ""
	}
	return bi.Block.BlockID
}

// StartSec returns the first scheduled departure of the block.
func (bi BlockInstance) StartSec() int {
	if bi.Block == nil || len(bi.Block.Trips) == 0 {
		return 0
	}
	return bi.Block.Trips[0].FirstDeparture()
}

// EndSec returns the last scheduled arrival of the block.
func (bi BlockInstance) EndSec() int {
	if bi.Block == nil || len(bi.Block.Trips) == 0 {
		return 0
	}
	return bi.Block.Trips[len(bi.Block.Trips)-1].LastArrival()
}

// ScheduledBlockLocation is a point along a block instance.
type ScheduledBlockLocation struct {
	DistanceAlongBlock float64
	ScheduledTime      int // seconds since service date
	ActiveTrip         *BlockTrip
	Lat                float64
	Lon                float64
	Bearing            float64
}

// DistanceAlongTrip returns the distance from the start of the active trip.
func (l ScheduledBlockLocation) DistanceAlongTrip() (float64, bool) {
	if l.ActiveTrip == nil {
		return 0, false
	}
	return l.DistanceAlongBlock - l.ActiveTrip.DistanceAlongBlock, true
}
