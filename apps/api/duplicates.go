package main

import (
	"context"
	"sort"
)

// DuplicateCandidate is a query-scoped projection of a nearby complaint.
type DuplicateCandidate struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	Status         string   `json:"status"`
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	CreatedAt      string   `json:"createdAt"`
	DistanceMeters float64  `json:"distanceMeters"`
}

func toDuplicateCandidate(match CandidateComplaint) DuplicateCandidate {
	return DuplicateCandidate{
		ID:             match.Complaint.ID,
		Title:          match.Complaint.Title,
		Description:    match.Complaint.Description,
		Status:         match.Complaint.Status,
		Latitude:       match.Complaint.Latitude,
		Longitude:      match.Complaint.Longitude,
		CreatedAt:      match.Complaint.CreatedAt,
		DistanceMeters: match.DistanceMeters,
	}
}

func (a *App) validateDuplicateRadius(radiusMeters float64) error {
	if radiusMeters <= 0 {
		return errInvalidArgument("radius must be greater than 0, got %g", radiusMeters)
	}
	if radiusMeters <= a.cfg.DuplicateRadiusMinM || radiusMeters > a.cfg.DuplicateRadiusMaxM {
		return errInvalidArgument("radius must be within (%g, %g] meters, got %g", a.cfg.DuplicateRadiusMinM, a.cfg.DuplicateRadiusMaxM, radiusMeters)
	}
	return nil
}

// findDuplicates lists open, unmerged complaints within radiusMeters of the
// parent, nearest first. The parent itself is never part of the result.
func (a *App) findDuplicates(ctx context.Context, parentID string, radiusMeters float64) ([]DuplicateCandidate, error) {
	if err := a.validateDuplicateRadius(radiusMeters); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.FindDuplicatesTimeout)
	defer cancel()

	parent, err := a.getComplaintByID(ctx, parentID)
	if err != nil {
		return nil, classifyTransient(err, "duplicate search")
	}
	if parent.IsMerged {
		return nil, errAlreadyMerged("Complaint %s is already merged and cannot be a parent", parentID)
	}
	if !parent.HasLocation() {
		return nil, errMissingLocation(parentID)
	}

	matches, err := a.findWithinRadius(ctx, *parent.Latitude, *parent.Longitude, radiusMeters)
	if err != nil {
		return nil, classifyTransient(err, "duplicate search")
	}

	candidates := filterDuplicateMatches(parent.ID, matches)
	if len(candidates) > 0 {
		ids := make([]string, 0, len(candidates))
		for _, candidate := range candidates {
			ids = append(ids, candidate.ID)
		}
		absorbing, err := a.listAbsorbingParents(ctx, ids)
		if err != nil {
			return nil, classifyTransient(err, "duplicate search")
		}
		candidates = dropAbsorbingParents(candidates, absorbing)
	}
	a.log.Info("duplicate search completed",
		"parent_id", parentID,
		"radius_m", radiusMeters,
		"matches", len(matches),
		"candidates", len(candidates),
	)
	return candidates, nil
}

// filterDuplicateMatches drops the parent, resolved and merged complaints, then
// sorts by distance with creation time as the tie-break.
func filterDuplicateMatches(parentID string, matches []CandidateComplaint) []DuplicateCandidate {
	candidates := make([]DuplicateCandidate, 0, len(matches))
	for _, match := range matches {
		if match.Complaint.ID == parentID {
			continue
		}
		if match.Complaint.IsMerged || match.Complaint.Status == statusResolved {
			continue
		}
		candidates = append(candidates, toDuplicateCandidate(match))
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].DistanceMeters != candidates[j].DistanceMeters {
			return candidates[i].DistanceMeters < candidates[j].DistanceMeters
		}
		return candidates[i].CreatedAt < candidates[j].CreatedAt
	})
	return candidates
}

// dropAbsorbingParents removes candidates that already absorbed merged
// complaints. They can only ever be a parent.
func dropAbsorbingParents(candidates []DuplicateCandidate, absorbing map[string]struct{}) []DuplicateCandidate {
	if len(absorbing) == 0 {
		return candidates
	}
	kept := candidates[:0]
	for _, candidate := range candidates {
		if _, ok := absorbing[candidate.ID]; ok {
			continue
		}
		kept = append(kept, candidate)
	}
	return kept
}

func (a *App) adminDuplicates(ctx context.Context, parentID string, radiusMeters float64) ([]DuplicateCandidate, error) {
	if a.adminFindDuplicates != nil {
		return a.adminFindDuplicates(ctx, parentID, radiusMeters)
	}
	return a.findDuplicates(ctx, parentID, radiusMeters)
}

func (a *App) adminActiveComplaints(ctx context.Context) ([]Complaint, error) {
	if a.adminFindActive != nil {
		return a.adminFindActive(ctx)
	}
	return a.findActiveComplaints(ctx)
}
