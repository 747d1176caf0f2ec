package readpair

import (
	"github.com/grailbio/hts/sam"
)

// AlignedRead is the subset of a BAM record needed to compute pair distances.
// RefStart and RefEnd are the reference coordinates as stored by the aligner
// (0-based, half-open); they are not normalized, so RefStart may exceed RefEnd
// for records produced by tools that store reverse-strand spans swapped.
type AlignedRead struct {
	RefName string
	Name    string

	RefStart int
	RefEnd   int

	LeadingSoftClip  int
	TrailingSoftClip int
	// QueryLength is the length of the read sequence, including soft-clipped
	// bases and excluding hard-clipped ones.
	QueryLength int

	Reverse    bool
	Read1      bool
	Read2      bool
	ProperPair bool

	// Cigar is the textual CIGAR, e.g. "5S45M".
	Cigar string
}

// AlignedLength is the number of query bases that are not soft clipped.
func (r *AlignedRead) AlignedLength() int {
	return r.QueryLength - r.LeadingSoftClip - r.TrailingSoftClip
}

// TotalLength is the read length including soft-clipped bases.
func (r *AlignedRead) TotalLength() int {
	return r.AlignedLength() + r.LeadingSoftClip + r.TrailingSoftClip
}

// AdjustedStart extends the alignment start over the leading soft clip.
func (r *AlignedRead) AdjustedStart() int {
	return r.RefStart - r.LeadingSoftClip
}

// AdjustedEnd extends the alignment end over the trailing soft clip.
func (r *AlignedRead) AdjustedEnd() int {
	return r.RefEnd + r.TrailingSoftClip
}

// Spliced reports whether the alignment skips a region of the reference.
func (r *AlignedRead) Spliced() bool {
	for i := 0; i < len(r.Cigar); i++ {
		if r.Cigar[i] == 'N' {
			return true
		}
	}
	return false
}

// FromRecord converts a BAM record. The record is not retained, so the caller
// may return it to the sam free pool afterwards.
func FromRecord(rec *sam.Record) AlignedRead {
	read := AlignedRead{
		Name:       rec.Name,
		RefStart:   rec.Pos,
		RefEnd:     rec.End(),
		Reverse:    rec.Flags&sam.Reverse != 0,
		Read1:      rec.Flags&sam.Read1 != 0,
		Read2:      rec.Flags&sam.Read2 != 0,
		ProperPair: rec.Flags&sam.ProperPair != 0,
		Cigar:      rec.Cigar.String(),
	}
	if rec.Ref != nil {
		read.RefName = rec.Ref.Name()
	}
	read.LeadingSoftClip, read.TrailingSoftClip = softClips(rec.Cigar)
	read.QueryLength = rec.Seq.Length
	if read.QueryLength == 0 {
		read.QueryLength = queryLength(rec.Cigar)
	}
	return read
}

// softClips returns the number of soft-clipped bases at the start and at the
// end of the alignment. Hard clips outside the soft clips are skipped.
func softClips(cigar sam.Cigar) (leading, trailing int) {
	first := -1
	for i, op := range cigar {
		if op.Type() == sam.CigarHardClipped {
			continue
		}
		if op.Type() == sam.CigarSoftClipped {
			first = i
			leading = op.Len()
		}
		break
	}
	for i := len(cigar) - 1; i > first; i-- {
		if cigar[i].Type() == sam.CigarHardClipped {
			continue
		}
		if cigar[i].Type() == sam.CigarSoftClipped {
			trailing = cigar[i].Len()
		}
		break
	}
	return leading, trailing
}

// queryLength sums the CIGAR operations that consume query bases.
func queryLength(cigar sam.Cigar) int {
	n := 0
	for _, op := range cigar {
		n += op.Len() * op.Type().Consumes().Query
	}
	return n
}
