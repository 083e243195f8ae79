package domain

const (
	EventNameParticipantJoined  = "participant.joined"
	EventNameScoreUpdated       = "score.updated"
	EventNamePhaseChanged       = "phase.changed"
	EventNameLeaderboardUpdated = "leaderboard.updated"
)

type EventParticipantJoined struct {
	Participant Participant
}

func (EventParticipantJoined) Name() string { return EventNameParticipantJoined }

type EventScoreUpdated struct {
	Participant Participant
}

func (EventScoreUpdated) Name() string { return EventNameScoreUpdated }

type EventPhaseChanged struct {
	Session Session
}

func (EventPhaseChanged) Name() string { return EventNamePhaseChanged }

type EventLeaderboardUpdated struct {
	Results Results
}

func (EventLeaderboardUpdated) Name() string { return EventNameLeaderboardUpdated }
