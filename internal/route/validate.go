package route

import "fmt"

// ValidationResult reports structural problems with a RouteData document.
// Warnings never affect IsValid; they are surfaced so callers can show
// them without blocking persistence.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Validate checks the structural and semantic integrity of a route
// document before persistence. Pure: no side effects, never panics.
func Validate(data RouteData) ValidationResult {
	result := ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
	}

	if data.Status == "" {
		result.Errors = append(result.Errors, "status is required")
	}

	if data.MultiDaySchedule == nil || len(data.MultiDaySchedule.Days) == 0 {
		result.Errors = append(result.Errors, "multiDaySchedule.days must contain at least one day")
	}

	if data.OptimizationMetrics == nil {
		result.Errors = append(result.Errors, "optimizationMetrics is required")
	}

	if data.MultiDaySchedule != nil {
		for dayIndex, day := range data.MultiDaySchedule.Days {
			if day.Date == "" {
				result.Errors = append(result.Errors, fmt.Sprintf("day %d is missing a date", dayIndex))
			}
			for destIndex, dest := range day.Destinations {
				where := fmt.Sprintf("day %d destination %d", dayIndex, destIndex)
				if dest.DestinationID == "" {
					result.Errors = append(result.Errors, where+" is missing destinationId")
				}
				if dest.AllocatedMinutes <= 0 {
					result.Errors = append(result.Errors, where+" must have a positive allocated duration")
				}
				if dest.StartTime == "" || dest.EndTime == "" {
					result.Errors = append(result.Errors, where+" must have both startTime and endTime")
				}
				switch {
				case dest.Lat == nil || dest.Lng == nil:
					result.Errors = append(result.Errors, where+" is missing coordinates")
				case *dest.Lat < -90 || *dest.Lat > 90 || *dest.Lng < -180 || *dest.Lng > 180:
					// Out-of-range coordinates render badly but don't
					// block persistence; missing ones do.
					result.Warnings = append(result.Warnings, where+" has out-of-range coordinates")
				}
			}
		}
	}

	if data.GenerationInfo == nil || data.GenerationInfo.GeneratedAt == "" {
		result.Errors = append(result.Errors, "generationInfo.generatedAt is required")
	}
	if data.GenerationInfo == nil || data.GenerationInfo.AlgorithmVersion == "" {
		result.Warnings = append(result.Warnings, "generationInfo.algorithmVersion is missing")
	}

	result.IsValid = len(result.Errors) == 0
	return result
}
