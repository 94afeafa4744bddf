package cpu

import "github.com/fortiblox/lanevm/pkg/vm/device"

// stackAllocator carves lane stacks according to a memory placement.
type stackAllocator struct {
	placement device.Placement
	size      int // cells per lane
	groupSize int
	slab      []int32 // global placement only
}

func newStackAllocator(p device.Placement, size, lanes, groupSize int) *stackAllocator {
	a := &stackAllocator{placement: p, size: size, groupSize: groupSize}
	if p == device.PlacementGlobal {
		a.slab = make([]int32, size*lanes)
	}
	return a
}

// group returns the slab shared by one work-group, if the placement has one.
func (a *stackAllocator) group() []int32 {
	if a.placement == device.PlacementLocal {
		return make([]int32, a.size*a.groupSize)
	}
	return nil
}

// lane returns the stack for a lane. local is the lane's index in its group.
func (a *stackAllocator) lane(groupSlab []int32, lane, local int) []int32 {
	switch a.placement {
	case device.PlacementGlobal:
		return a.slab[lane*a.size : (lane+1)*a.size : (lane+1)*a.size]
	case device.PlacementLocal:
		return groupSlab[local*a.size : (local+1)*a.size : (local+1)*a.size]
	default:
		return make([]int32, a.size)
	}
}
