package playlist

// Stitch splices the segments of stitch into p, starting at the content
// segment whose media sequence is stitchSeq.
//
// Stitch segments the player has already moved past (p's media sequence is
// ahead of stitchSeq) are dropped from the front. The discontinuity sequence
// is rewritten to origDisc plus one for a dropped prefix and one more when
// nothing is left to splice. Content segments from the stitch point on are
// overwritten one for one, framed by discontinuity markers. An empty supply
// at the stitch point leaves two adjacent markers. If p has no segment at or
// after stitchSeq the splice is a no-op.
//
// The target duration is recomputed afterwards, so p must carry a target
// duration tag.
func (p *Playlist) Stitch(stitch *Playlist, stitchSeq, origDisc int) error {
	supply := stitch.Segments()
	mediaSeq := p.MediaSequence()

	drop := min(max(0, mediaSeq-stitchSeq), len(supply))
	supply = supply[drop:]

	adjust := 0
	if drop > 0 {
		adjust++
	}
	if len(supply) == 0 {
		adjust++
	}

	out := make([]Tag, 0, len(p.Tags)+2)
	var (
		rewroteDisc bool
		opened      bool
		closed      bool
		index       = -1
	)
	for _, t := range p.Tags {
		switch v := t.(type) {
		case DiscontinuitySequence:
			if !rewroteDisc {
				rewroteDisc = true
				t = DiscontinuitySequence(origDisc + adjust)
			}
		case Segment:
			index++
			if closed || index+mediaSeq < stitchSeq {
				break
			}
			if !opened {
				opened = true
				out = append(out, Discontinuity{})
			}
			if len(supply) == 0 {
				out = append(out, Discontinuity{}, v)
				closed = true
				continue
			}
			t, supply = supply[0], supply[1:]
			if len(supply) == 0 {
				out = append(out, t, Discontinuity{})
				closed = true
				continue
			}
		}
		out = append(out, t)
	}
	p.Tags = out

	return p.CorrectTargetDuration()
}
