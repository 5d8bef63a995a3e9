package search

// Service routes queries to Meilisearch when it is reachable and falls
// back to Postgres full-text search otherwise. Index maintenance is
// best-effort: a failed index write never fails the mutation that
// triggered it.
type Service struct {
	primary  *Meili
	fallback Searcher
}

func NewService(primary *Meili, fallback Searcher) *Service {
	return &Service{primary: primary, fallback: fallback}
}

func (s *Service) Search(q Query) ([]Result, error) {
	if s.primary != nil && s.primary.Healthy() {
		results, err := s.primary.Search(q)
		if err == nil {
			return results, nil
		}
	}
	return s.fallback.Search(q)
}

func (s *Service) IndexTask(task TaskRecord) error {
	if s.primary == nil {
		return nil
	}
	return s.primary.IndexTask(task)
}

func (s *Service) DeleteTask(id string) error {
	if s.primary == nil {
		return nil
	}
	return s.primary.DeleteTask(id)
}
