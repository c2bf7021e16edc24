package scheduler

import "agentcal/internal/model"

var preparation = map[model.AppointmentType][]string{
	model.TypeViewing:      {"bring listing sheet", "confirm access code"},
	model.TypeMeeting:      {"share agenda in advance", "prepare client file"},
	model.TypeCall:         {"review contact history", "have pricing notes ready"},
	model.TypeInspection:   {"confirm inspector access", "bring property checklist"},
	model.TypeSigning:      {"print contracts", "verify identification documents"},
	model.TypeConsultation: {"gather market comparables", "prepare questions about goals and budget"},
}

// SuggestedPreparation returns the checklist for an appointment type.
func SuggestedPreparation(t model.AppointmentType) []string {
	return append([]string{}, preparation[t]...)
}
