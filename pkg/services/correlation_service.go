package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/substrate-ops/inventory-engine/pkg/apperrors"
	"github.com/substrate-ops/inventory-engine/pkg/models"
	"github.com/substrate-ops/inventory-engine/pkg/repositories"
)

const (
	nameMatchWeight = 0.6
	priorityWeight  = 0.2
	recencyWeight   = 0.1
	edgeWeight      = 0.1

	// recencyHorizon is where a candidate's recency contribution bottoms out.
	recencyHorizon = 30 * 24 * time.Hour
)

// Match is one scored correlation candidate.
type Match struct {
	Device     *models.Device
	Confidence float64
}

// CorrelationService matches devices across source systems by normalized
// name and records the result as a relationship edge rather than merging
// rows. Each source keeps its own device row.
type CorrelationService interface {
	// NormalizeName folds case, trims whitespace, and strips configured
	// domain suffixes so "WEB-01.corp.example.com" and "web-01" compare equal.
	NormalizeName(name string) string

	// FindMatch scores candidates from other source systems for device.
	// It returns nil when nothing clears the confidence threshold, and
	// apperrors.ErrCorrelationAmbiguous when the top two candidates are too
	// close to call.
	FindMatch(ctx context.Context, device *models.Device) (*Match, error)

	// ParentOf orders a correlated pair for the manages edge: the device
	// from the more authoritative source is the parent. Priority applies
	// first; equal priorities fall back to source system name so both
	// processing orders produce the same edge.
	ParentOf(a, b *models.Device) (parent, child *models.Device)
}

// CorrelationServiceDeps contains dependencies for CorrelationService.
type CorrelationServiceDeps struct {
	DeviceRepo          repositories.DeviceRepository
	ConfidenceThreshold float64
	AmbiguityMargin     float64
	DomainSuffixes      []string
	SourcePriority      map[string]int
	Logger              *zap.Logger
}

type correlationService struct {
	deps     CorrelationServiceDeps
	suffixes []string
}

// NewCorrelationService creates a new CorrelationService.
func NewCorrelationService(deps CorrelationServiceDeps) CorrelationService {
	suffixes := make([]string, 0, len(deps.DomainSuffixes))
	for _, s := range deps.DomainSuffixes {
		s = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
		if s != "" {
			suffixes = append(suffixes, "."+s)
		}
	}
	// Longest first so "corp.example.com" wins over "example.com".
	sort.Slice(suffixes, func(i, j int) bool { return len(suffixes[i]) > len(suffixes[j]) })

	return &correlationService{deps: deps, suffixes: suffixes}
}

var _ CorrelationService = (*correlationService)(nil)

func (s *correlationService) NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.TrimSuffix(name, ".")
	for _, suffix := range s.suffixes {
		if strings.HasSuffix(name, suffix) {
			name = strings.TrimSuffix(name, suffix)
			break
		}
	}
	return name
}

func (s *correlationService) FindMatch(ctx context.Context, device *models.Device) (*Match, error) {
	candidates, err := s.deps.DeviceRepo.FindCandidatesByName(ctx, device.NormalizedName)
	if err != nil {
		return nil, fmt.Errorf("failed to load correlation candidates: %w", err)
	}

	now := time.Now()
	var matches []Match
	for _, candidate := range candidates {
		if candidate.SourceSystem == device.SourceSystem {
			continue
		}

		edges, err := s.deps.DeviceRepo.CountRelationshipsWithSource(ctx, candidate.ID, device.SourceSystem)
		if err != nil {
			return nil, fmt.Errorf("failed to count candidate relationships: %w", err)
		}

		matches = append(matches, Match{
			Device:     candidate,
			Confidence: s.score(candidate, now, edges),
		})
	}

	if len(matches) == 0 {
		return nil, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Confidence != matches[j].Confidence {
			return matches[i].Confidence > matches[j].Confidence
		}
		pi, pj := s.priority(matches[i].Device.SourceSystem), s.priority(matches[j].Device.SourceSystem)
		if pi != pj {
			return pi < pj
		}
		return matches[i].Device.SourceID < matches[j].Device.SourceID
	})

	best := matches[0]
	if best.Confidence < s.deps.ConfidenceThreshold {
		return nil, nil
	}
	if len(matches) > 1 && best.Confidence-matches[1].Confidence < s.deps.AmbiguityMargin {
		s.deps.Logger.Warn("correlation ambiguous, leaving device unlinked",
			zap.String("device_name", device.Name),
			zap.String("source_system", device.SourceSystem),
			zap.Float64("best_confidence", best.Confidence),
			zap.Float64("runner_up_confidence", matches[1].Confidence))
		return nil, fmt.Errorf("device %s has %d close candidates: %w",
			device.Name, len(matches), apperrors.ErrCorrelationAmbiguous)
	}

	return &best, nil
}

func (s *correlationService) score(candidate *models.Device, now time.Time, sharedEdges int) float64 {
	confidence := nameMatchWeight

	rank := s.priority(candidate.SourceSystem)
	confidence += priorityWeight * (1.0 / float64(1+rank))

	age := now.Sub(candidate.LastSeen)
	if age < 0 {
		age = 0
	}
	recency := 1.0 - float64(age)/float64(recencyHorizon)
	if recency < 0 {
		recency = 0
	}
	confidence += recencyWeight * recency

	if sharedEdges > 0 {
		confidence += edgeWeight
	}

	return confidence
}

func (s *correlationService) priority(sourceSystem string) int {
	if p, ok := s.deps.SourcePriority[sourceSystem]; ok {
		return p
	}
	// Unconfigured sources rank after everything configured.
	max := 0
	for _, p := range s.deps.SourcePriority {
		if p > max {
			max = p
		}
	}
	return max + 1
}

func (s *correlationService) ParentOf(a, b *models.Device) (*models.Device, *models.Device) {
	pa, pb := s.priority(a.SourceSystem), s.priority(b.SourceSystem)
	switch {
	case pa < pb:
		return a, b
	case pb < pa:
		return b, a
	case a.SourceSystem < b.SourceSystem:
		return a, b
	default:
		return b, a
	}
}
