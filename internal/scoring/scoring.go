// Package scoring implements the pure time-decay scoring function used both
// by the per-submission check path and the end-of-game finalization sweep.
package scoring

import "time"

// DecayPerMinute is the points lost per whole elapsed minute, per spec.md
// §4.4. It is a server contract constant, not configurable per room.
const DecayPerMinute = 5

// Points computes the awarded score for a solve at solveInstant in a game
// that started at startInstant, given the problem's basePoints/minPoints.
//
// elapsedMin = floor((solveInstant - startInstant) / 60s)
// points = max(basePoints - 5*elapsedMin, minPoints)
//
// solveInstant strictly after startInstant is a precondition the caller must
// enforce (spec.md §4.4); Points itself does not validate it and is total on
// non-negative basePoints/minPoints.
func Points(basePoints, minPoints int, startInstant, solveInstant time.Time) int {
	elapsedMin := int(solveInstant.Sub(startInstant) / time.Minute)
	points := basePoints - DecayPerMinute*elapsedMin
	if points < minPoints {
		return minPoints
	}
	return points
}
