package pose

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestEncodeDropsTrailingZeros(t *testing.T) {
	p := Pose{
		Position: Vector3{X: 1, Y: 0, Z: 2},
		Rotation: Vector3{X: 0, Y: -0.000001, Z: 1.5},
	}
	got := Encode(p, DefaultPrecision)
	if got != "1|0|2|0|0|1.5" {
		t.Fatalf("expected 1|0|2|0|0|1.5, got %s", got)
	}
}

func TestEncodeRoundsToPrecision(t *testing.T) {
	p := Pose{Position: Vector3{X: 3.14159265, Y: -2.718281828, Z: 10}}
	if got := Encode(p, 2); got != "3.14|-2.72|10|0|0|0" {
		t.Fatalf("expected 3.14|-2.72|10|0|0|0, got %s", got)
	}
}

func TestDecodeAcceptsFixedPointTokens(t *testing.T) {
	p, err := Decode("1.00000|0.00000|2.00000|0.00000|0.00000|0.00000")
	if err != nil {
		t.Fatalf("should decode: %v", err)
	}
	if p.Position != (Vector3{X: 1, Y: 0, Z: 2}) {
		t.Fatalf("expected position (1,0,2), got %+v", p.Position)
	}
	if p.Rotation != (Vector3{}) {
		t.Fatalf("expected zero rotation, got %+v", p.Rotation)
	}
}

func TestDecodeRejectsShortPayload(t *testing.T) {
	for _, s := range []string{"", "1|2|3", "1|2|3|4|5"} {
		if _, err := Decode(s); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("expected ErrMalformedPayload for %q, got %v", s, err)
		}
	}
}

func TestDecodeRejectsNonNumericToken(t *testing.T) {
	for _, s := range []string{"1|2|x|4|5|6", "1|2|3|4|5|NaN", "1|2|3|4||6"} {
		if _, err := Decode(s); !errors.Is(err, ErrMalformedPayload) {
			t.Fatalf("expected ErrMalformedPayload for %q, got %v", s, err)
		}
	}
}

func TestDecodeIgnoresExtraTokens(t *testing.T) {
	p, err := Decode("1|2|3|4|5|6|7")
	if err != nil {
		t.Fatalf("should decode: %v", err)
	}
	if p.Rotation.Z != 6 {
		t.Fatalf("expected rz 6, got %v", p.Rotation.Z)
	}
}

func TestRoundTripWithinPrecision(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for precision := 0; precision <= 6; precision++ {
		tolerance := math.Pow10(-precision)
		for i := 0; i < 200; i++ {
			p := Pose{
				Position: Vector3{X: rng.Float64()*200 - 100, Y: rng.Float64()*200 - 100, Z: rng.Float64()*200 - 100},
				Rotation: Vector3{X: rng.Float64()*2*math.Pi - math.Pi, Y: rng.Float64()*2*math.Pi - math.Pi, Z: rng.Float64()*2*math.Pi - math.Pi},
			}
			got, err := Decode(Encode(p, precision))
			if err != nil {
				t.Fatalf("round trip failed: %v", err)
			}
			want := []float64{p.Position.X, p.Position.Y, p.Position.Z, p.Rotation.X, p.Rotation.Y, p.Rotation.Z}
			have := []float64{got.Position.X, got.Position.Y, got.Position.Z, got.Rotation.X, got.Rotation.Y, got.Rotation.Z}
			for j := range want {
				if math.Abs(want[j]-have[j]) > tolerance {
					t.Fatalf("precision %d component %d: expected %v, got %v", precision, j, want[j], have[j])
				}
			}
		}
	}
}
