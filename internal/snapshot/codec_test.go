package snapshot

import (
	"errors"
	"testing"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/utils"
)

func sampleState() *population.State {
	return &population.State{
		Timestep: 52,
		Carry:    0.375,
		Individuals: []population.Individual{
			{Status: models.StatusSusceptible, AgeSteps: 10},
			{Status: models.StatusInfected, TimeInState: 2, Duration: 7, Latent: 1, AgeSteps: 400, Infections: 3},
			{Status: models.StatusDiseased, TimeInState: 1, Duration: 4, AgeSteps: 3000, NonCompliant: true, Infections: 9},
		},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	rng := utils.NewStream(-17, 2)
	rng.Float64()
	snap, err := Capture(sampleState(), rng, 2, -17)
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	back, err := Unmarshal(Marshal(snap))
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.Replicate != 2 || back.Seed != -17 || back.Timestep != 52 || back.Carry != 0.375 {
		t.Errorf("Unexpected header %+v", back)
	}
	if back.Size() != 3 {
		t.Fatalf("Expected 3 individuals, got %d", back.Size())
	}
	for i, in := range sampleState().Individuals {
		if back.Individuals[i] != in {
			t.Errorf("Individual %d: expected %+v, got %+v", i, in, back.Individuals[i])
		}
	}

	restored, err := back.Stream()
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	for i := 0; i < 20; i++ {
		if a, b := rng.Float64(), restored.Float64(); a != b {
			t.Fatalf("Restored stream diverged at draw %d", i)
		}
	}
}

func TestStateIsCopy(t *testing.T) {
	snap, _ := Capture(sampleState(), nil, 0, 1)
	pop := snap.State()
	pop.Individuals[0].Status = models.StatusDiseased
	if snap.Individuals[0].Status != models.StatusSusceptible {
		t.Error("Expected State to copy the individuals")
	}
	if pop.Timestep != 52 || pop.Carry != 0.375 {
		t.Errorf("Unexpected restored timestep/carry: %d, %v", pop.Timestep, pop.Carry)
	}
}

func TestStreamMissing(t *testing.T) {
	snap, _ := Capture(sampleState(), nil, 4, 1)
	_, err := snap.Stream()
	var stateErr *models.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("Expected StateError, got %v", err)
	}
	if stateErr.Replicate != 4 {
		t.Errorf("Expected replicate 4, got %d", stateErr.Replicate)
	}
}

func TestUnmarshalRejectsInvalidInput(t *testing.T) {
	valid := Marshal(&Snapshot{Individuals: sampleState().Individuals})

	badStatus := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	badStatus = protowire.AppendVarint(badStatus, formatVersion)
	ind := protowire.AppendTag(nil, fieldStatus, protowire.VarintType)
	ind = protowire.AppendVarint(ind, 3)
	badStatus = protowire.AppendTag(badStatus, fieldIndividuals, protowire.BytesType)
	badStatus = protowire.AppendBytes(badStatus, ind)

	noDuration := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	noDuration = protowire.AppendVarint(noDuration, formatVersion)
	ind = protowire.AppendTag(nil, fieldStatus, protowire.VarintType)
	ind = protowire.AppendVarint(ind, uint64(models.StatusInfected))
	noDuration = protowire.AppendTag(noDuration, fieldIndividuals, protowire.BytesType)
	noDuration = protowire.AppendBytes(noDuration, ind)

	wrongVersion := protowire.AppendTag(nil, fieldVersion, protowire.VarintType)
	wrongVersion = protowire.AppendVarint(wrongVersion, 99)

	tests := []struct {
		name string
		data []byte
	}{
		{"truncated", valid[:len(valid)-1]},
		{"garbage", []byte{0xff, 0xff, 0xff}},
		{"unknown status", badStatus},
		{"infected without duration", noDuration},
		{"missing version", nil},
		{"wrong version", wrongVersion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal(tt.data)
			var stateErr *models.StateError
			if !errors.As(err, &stateErr) {
				t.Fatalf("Expected StateError, got %v", err)
			}
		})
	}
}

func TestUnmarshalSkipsUnknownFields(t *testing.T) {
	data := Marshal(&Snapshot{Timestep: 3})
	data = protowire.AppendTag(data, 99, protowire.BytesType)
	data = protowire.AppendBytes(data, []byte("future"))

	snap, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Expected unknown fields to be skipped, got %v", err)
	}
	if snap.Timestep != 3 {
		t.Errorf("Expected timestep 3, got %d", snap.Timestep)
	}
}

func TestBundleRoundTrip(t *testing.T) {
	a, _ := Capture(sampleState(), utils.NewStream(1, 0), 0, 1)
	b, _ := Capture(sampleState(), utils.NewStream(1, 1), 1, 1)

	snaps, err := UnmarshalBundle(MarshalBundle([]*Snapshot{a, b}))
	if err != nil {
		t.Fatalf("UnmarshalBundle failed: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Replicate != 0 || snaps[1].Replicate != 1 {
		t.Fatalf("Unexpected bundle contents: %d snapshots", len(snaps))
	}

	if _, err := UnmarshalBundle(nil); err == nil {
		t.Error("Expected error for empty bundle")
	}
}
