package snapshot

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GoSim-25-26J-441/trachoma-core/internal/population"
	"github.com/GoSim-25-26J-441/trachoma-core/pkg/models"
)

// formatVersion is bumped on incompatible changes to the wire layout
const formatVersion = 1

// Field numbers of the snapshot message
const (
	fieldVersion     protowire.Number = 1
	fieldReplicate   protowire.Number = 2
	fieldSeed        protowire.Number = 3
	fieldTimestep    protowire.Number = 4
	fieldCarry       protowire.Number = 5
	fieldRandState   protowire.Number = 6
	fieldIndividuals protowire.Number = 7
)

// Field numbers of the individual message
const (
	fieldStatus       protowire.Number = 1
	fieldTimeInState  protowire.Number = 2
	fieldDuration     protowire.Number = 3
	fieldLatent       protowire.Number = 4
	fieldAgeSteps     protowire.Number = 5
	fieldNonCompliant protowire.Number = 6
	fieldInfections   protowire.Number = 7
)

// fieldSnapshot is the repeated field of a bundle
const fieldSnapshot protowire.Number = 1

// Marshal encodes s in protobuf wire format
func Marshal(s *Snapshot) []byte {
	b := make([]byte, 0, 32+len(s.RandState)+len(s.Individuals)*12)
	b = appendVarint(b, fieldVersion, formatVersion)
	b = appendVarint(b, fieldReplicate, uint64(s.Replicate))
	b = protowire.AppendTag(b, fieldSeed, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(s.Seed))
	b = appendVarint(b, fieldTimestep, uint64(s.Timestep))
	if s.Carry != 0 {
		b = protowire.AppendTag(b, fieldCarry, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(s.Carry))
	}
	if len(s.RandState) > 0 {
		b = protowire.AppendTag(b, fieldRandState, protowire.BytesType)
		b = protowire.AppendBytes(b, s.RandState)
	}

	var ib []byte
	for i := range s.Individuals {
		ib = marshalIndividual(ib[:0], &s.Individuals[i])
		b = protowire.AppendTag(b, fieldIndividuals, protowire.BytesType)
		b = protowire.AppendBytes(b, ib)
	}
	return b
}

func marshalIndividual(b []byte, in *population.Individual) []byte {
	b = appendVarint(b, fieldStatus, uint64(in.Status))
	b = appendVarint(b, fieldTimeInState, uint64(in.TimeInState))
	b = appendVarint(b, fieldDuration, uint64(in.Duration))
	b = appendVarint(b, fieldLatent, uint64(in.Latent))
	b = appendVarint(b, fieldAgeSteps, uint64(in.AgeSteps))
	if in.NonCompliant {
		b = appendVarint(b, fieldNonCompliant, 1)
	}
	b = appendVarint(b, fieldInfections, uint64(in.Infections))
	return b
}

// appendVarint writes a non-zero varint field; zero is the wire default
func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// Unmarshal decodes a snapshot. Malformed input, unknown statuses and
// counters out of range are reported as *models.StateError.
func Unmarshal(b []byte) (*Snapshot, error) {
	s := &Snapshot{}
	version := uint64(0)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeError(protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldIndividuals && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, decodeError(protowire.ParseError(n))
			}
			in, err := unmarshalIndividual(v)
			if err != nil {
				return nil, decodeError(fmt.Errorf("individual %d: %w", len(s.Individuals), err))
			}
			s.Individuals = append(s.Individuals, in)
			b = b[n:]
		case num == fieldRandState && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, decodeError(protowire.ParseError(n))
			}
			s.RandState = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldCarry && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, decodeError(protowire.ParseError(n))
			}
			s.Carry = math.Float64frombits(v)
			b = b[n:]
		case typ == protowire.VarintType && num <= fieldTimestep:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, decodeError(protowire.ParseError(n))
			}
			switch num {
			case fieldVersion:
				version = v
			case fieldReplicate:
				s.Replicate = int(v)
			case fieldSeed:
				s.Seed = protowire.DecodeZigZag(v)
			case fieldTimestep:
				if v > math.MaxInt32 {
					return nil, decodeError(fmt.Errorf("timestep %d out of range", v))
				}
				s.Timestep = int(v)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, decodeError(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if version != formatVersion {
		return nil, decodeError(fmt.Errorf("unsupported snapshot version %d", version))
	}
	if math.IsNaN(s.Carry) || s.Carry < 0 || s.Carry >= 1 {
		return nil, decodeError(fmt.Errorf("carry %v outside [0, 1)", s.Carry))
	}
	return s, nil
}

func unmarshalIndividual(b []byte) (population.Individual, error) {
	var in population.Individual
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return in, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return in, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return in, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldNonCompliant && v > math.MaxInt32 {
			return in, fmt.Errorf("field %d value %d out of range", num, v)
		}
		switch num {
		case fieldStatus:
			in.Status = models.Status(v)
			if !in.Status.Valid() {
				return in, fmt.Errorf("unknown status %d", v)
			}
		case fieldTimeInState:
			in.TimeInState = int(v)
		case fieldDuration:
			in.Duration = int(v)
		case fieldLatent:
			in.Latent = int(v)
		case fieldAgeSteps:
			in.AgeSteps = int(v)
		case fieldNonCompliant:
			in.NonCompliant = v != 0
		case fieldInfections:
			in.Infections = int(v)
		}
	}
	if in.Status != models.StatusSusceptible && in.Duration < 1 {
		return in, fmt.Errorf("%s with duration %d", in.Status, in.Duration)
	}
	return in, nil
}

// MarshalBundle encodes the final snapshots of several replicates
func MarshalBundle(snaps []*Snapshot) []byte {
	var b []byte
	for _, s := range snaps {
		b = protowire.AppendTag(b, fieldSnapshot, protowire.BytesType)
		b = protowire.AppendBytes(b, Marshal(s))
	}
	return b
}

// UnmarshalBundle decodes a bundle written by MarshalBundle
func UnmarshalBundle(b []byte) ([]*Snapshot, error) {
	var out []*Snapshot
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, decodeError(protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldSnapshot || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, decodeError(protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, decodeError(protowire.ParseError(n))
		}
		s, err := Unmarshal(v)
		if err != nil {
			return nil, fmt.Errorf("snapshot %d: %w", len(out), err)
		}
		out = append(out, s)
		b = b[n:]
	}
	if len(out) == 0 {
		return nil, decodeError(fmt.Errorf("bundle holds no snapshots"))
	}
	return out, nil
}

func decodeError(err error) error {
	return &models.StateError{Replicate: -1, Reason: "failed to decode snapshot: " + err.Error()}
}
