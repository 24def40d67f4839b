package route

// Target is one destination selected for a record, along with the tag fields to set on its copy of the record.
type Target struct {
	Dest int
	Tags map[string]any
}

// Decision is the ordered set of targets for one record.
// It's a view over a Scratch and is only valid until the Scratch is used again.
type Decision []Target

// Scratch is the reusable working memory of a single dispatch task.
// It must not be shared between goroutines.
type Scratch struct {
	selected []bool
	targets  []Target
	skipped  []int
}

func newScratch(destinations int) *Scratch {
	return &Scratch{
		selected: make([]bool, destinations),
		targets:  make([]Target, 0, destinations),
		skipped:  make([]int, 0, destinations),
	}
}

func (s *Scratch) reset(destinations int) {
	if cap(s.selected) < destinations {
		s.selected = make([]bool, destinations)
	} else {
		s.selected = s.selected[:destinations]
		clear(s.selected)
	}
	clear(s.targets)
	s.targets = s.targets[:0]
	s.skipped = s.skipped[:0]
}

func (s *Scratch) add(dest int, tags map[string]any) {
	if s.selected[dest] {
		return
	}
	s.selected[dest] = true
	s.targets = append(s.targets, Target{Dest: dest, Tags: tags})
}

func (s *Scratch) skip(dest int) {
	s.skipped = append(s.skipped, dest)
}

// Skipped lists the destinations the last evaluation passed over because they were no longer accepting.
// Like a Decision, it's only valid until the Scratch is used again.
func (s *Scratch) Skipped() []int {
	return s.skipped
}

// Selected reports whether dest was selected by the last evaluation.
func (s *Scratch) Selected(dest int) bool {
	return dest >= 0 && dest < len(s.selected) && s.selected[dest]
}
