package dispatcher

// JobSpec is one job descriptor as returned by the dispatcher.
type JobSpec struct {
	PandaID           string   `json:"PandaID"`
	JobsetID          string   `json:"jobsetID"`
	TaskID            string   `json:"taskID"`
	InFiles           []string `json:"inFiles"`
	GUIDs             []string `json:"GUID"`
	Fsize             []int64  `json:"fsize"`
	Checksum          []string `json:"checksum"`
	OutFiles          []string `json:"outFiles"`
	DestinationDblock []string `json:"destinationDblock"`
	LogFile           string   `json:"logFile"`
	LogGUID           string   `json:"logGUID"`
	JobPars           string   `json:"jobPars"`
	TrfName           string   `json:"transformation"`
	ProdUserID        string   `json:"prodUserID"`
	AttemptNr         int      `json:"attemptNr"`
	CoreCount         int      `json:"coreCount"`
}

// JobUpdate is a heartbeat for one job.
type JobUpdate struct {
	JobID     string `json:"jobId"`
	State     string `json:"state"`
	HPCState  string `json:"hpcStatus,omitempty"`
	ExitCode  int    `json:"exitCode"`
	ErrorDiag string `json:"pilotErrorDiag,omitempty"`

	// CPU-time accounting drawn from the payload's jobMetrics side
	// channel.
	CPUConsumptionTime int64 `json:"cpuConsumptionTime,omitempty"`
	CoreCount          int   `json:"coreCount,omitempty"`
	NEvents            int   `json:"nEvents,omitempty"`
}

// EventRangeDef is one claimed event range.
type EventRangeDef struct {
	EventRangeID string `json:"eventRangeID"`
	LFN          string `json:"LFN"`
	GUID         string `json:"GUID"`
	StartEvent   int    `json:"startEvent"`
	LastEvent    int    `json:"lastEvent"`
	Scope        string `json:"scope"`
}

// EventRangeUpdate acknowledges one terminal range state.
type EventRangeUpdate struct {
	EventRangeID string `json:"eventRangeID"`
	EventStatus  string `json:"eventStatus"`
	ObjstoreID   int    `json:"objstoreID"`
}
