package constant

type RecordingState string

const (
	StateDetected    RecordingState = "DETECTED"
	StateStabilizing RecordingState = "STABILIZING"
	StateUploading   RecordingState = "UPLOADING"
	StateUploaded    RecordingState = "UPLOADED"
	StatePersisting  RecordingState = "PERSISTING_METADATA"
	StateNotifying   RecordingState = "NOTIFYING"
	StateDone        RecordingState = "DONE"
	StateFailed      RecordingState = "FAILED"
	StateDeadLetter  RecordingState = "DEAD_LETTER"
)

// Terminal reports whether the state accepts no further transitions.
// DeadLetter is terminal for the pipeline but stays queryable for replay.
func (s RecordingState) Terminal() bool {
	return s == StateDone || s == StateDeadLetter
}

type Phase string

const (
	PhaseUpload  Phase = "upload"
	PhasePersist Phase = "persist"
	PhaseNotify  Phase = "notify"
)

type Environment string

const (
	EnvironmentProduction Environment = "production"
	EnvironmentStaging    Environment = "staging"
	EnvironmentDevelop    Environment = "develop"
)

func (e Environment) String() string {
	return string(e)
}
