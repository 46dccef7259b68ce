package sfm

import (
	"math"
	"testing"

	"go.viam.com/test"

	"github.com/rfabbri/gosfm/utils"
)

func TestAdaptiveThresholdSq(t *testing.T) {
	provisionalSq := utils.Square(4.0)

	// no residuals keeps the provisional bound
	test.That(t, adaptiveThresholdSq(nil, provisionalSq), test.ShouldEqual, provisionalSq)

	// tight residuals are floored so the camera still accepts observations
	tight := []float64{0.0001, 0.0002, 0.0001, 0.0003}
	thr := adaptiveThresholdSq(tight, provisionalSq)
	test.That(t, thr, test.ShouldEqual, 0.25)

	// the bound follows the 95th percentile of the pixel residuals
	wide := make([]float64, 100)
	for i := range wide {
		px := float64(i+1) / 10 // 0.1 .. 10 px
		wide[i] = px * px
	}
	thr = adaptiveThresholdSq(wide, provisionalSq)
	test.That(t, math.Sqrt(thr), test.ShouldBeGreaterThan, 9)
	test.That(t, math.Sqrt(thr), test.ShouldBeLessThan, 10)

	// unbounded residuals from behind-camera observations are ignored
	infs := []float64{math.Inf(1), math.Inf(1)}
	test.That(t, adaptiveThresholdSq(infs, provisionalSq), test.ShouldEqual, provisionalSq)
}

func TestThresholdForFallsBackToProvisional(t *testing.T) {
	recon := NewReconstructionState([]uint32{0, 1})
	provisionalSq := utils.Square(4.0)
	test.That(t, recon.ThresholdFor(0, provisionalSq), test.ShouldEqual, provisionalSq)

	recon.Thresholds[0] = 1.44
	test.That(t, recon.ThresholdFor(0, provisionalSq), test.ShouldEqual, 1.44)
	// thresholds are per camera, never inherited
	test.That(t, recon.ThresholdFor(1, provisionalSq), test.ShouldEqual, provisionalSq)
}
