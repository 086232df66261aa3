package realtime

import (
	"math"
)

// deterministic layering for new and moved objects. Pure functions over an
// object collection; identical inputs always produce identical outputs.

type ZIndexMode string

const (
	ZTop    ZIndexMode = "top"
	ZBottom ZIndexMode = "bottom"
	ZSmart  ZIndexMode = "smart"
)

// objects whose anchor point is within this distance of a new object's
// position are considered overlapping for smart placement
const SmartZIndexThreshold = float64(50)

func NextZIndex(objects []CanvasObject) int {
	if len(objects) == 0 {
		return 0
	}
	maxZ := objects[0].ZIndex
	for _, obj := range objects[1:] {
		if maxZ < obj.ZIndex {
			maxZ = obj.ZIndex
		}
	}
	return maxZ + 1
}

func PrevZIndex(objects []CanvasObject) int {
	if len(objects) == 0 {
		return 0
	}
	minZ := objects[0].ZIndex
	for _, obj := range objects[1:] {
		if obj.ZIndex < minZ {
			minZ = obj.ZIndex
		}
	}
	return minZ - 1
}

// smart mode places the new object just above whatever it overlaps,
// or on top of everything when it overlaps nothing
func ResolveZIndex(objects []CanvasObject, position Position, mode ZIndexMode) int {
	switch mode {
	case ZBottom:
		return PrevZIndex(objects)
	case ZSmart:
		nearZ := 0
		near := false
		for _, obj := range objects {
			dx := obj.Position.X - position.X
			dy := obj.Position.Y - position.Y
			if math.Hypot(dx, dy) <= SmartZIndexThreshold {
				if !near || nearZ < obj.ZIndex {
					nearZ = obj.ZIndex
				}
				near = true
			}
		}
		if near {
			return nearZ + 1
		}
		return NextZIndex(objects)
	default:
		return NextZIndex(objects)
	}
}

func BringToFront(objects []CanvasObject, objectId string) (int, bool) {
	if _, ok := findObject(objects, objectId); !ok {
		return 0, false
	}
	return NextZIndex(objects), true
}

func SendToBack(objects []CanvasObject, objectId string) (int, bool) {
	if _, ok := findObject(objects, objectId); !ok {
		return 0, false
	}
	return PrevZIndex(objects), true
}

// ties with other objects are possible and are broken by stable array
// order when rendering
func MoveUp(objects []CanvasObject, objectId string) (int, bool) {
	obj, ok := findObject(objects, objectId)
	if !ok {
		return 0, false
	}
	return obj.ZIndex + 1, true
}

func MoveDown(objects []CanvasObject, objectId string) (int, bool) {
	obj, ok := findObject(objects, objectId)
	if !ok {
		return 0, false
	}
	return obj.ZIndex - 1, true
}

func findObject(objects []CanvasObject, objectId string) (CanvasObject, bool) {
	for _, obj := range objects {
		if obj.ObjectId == objectId {
			return obj, true
		}
	}
	return CanvasObject{}, false
}
