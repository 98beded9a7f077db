package model

// JobType is the single-letter job type code stored in the catalog.
type JobType string

const (
	JobTypeBackup   JobType = "B"
	JobTypeVerify   JobType = "V"
	JobTypeRestore  JobType = "R"
	JobTypeAdmin    JobType = "D"
	JobTypeArchive  JobType = "A"
	JobTypeCopy     JobType = "c" // copy control job while running
	JobTypeJobCopy  JobType = "C" // completed copy of another job
	JobTypeMigrate  JobType = "g" // migration control job while running
	JobTypeMigrated JobType = "M" // original job superseded by migration
)

// JobLevel is the single-letter backup level code.
type JobLevel string

const (
	JobLevelFull         JobLevel = "F"
	JobLevelIncremental  JobLevel = "I"
	JobLevelDifferential JobLevel = "D"
	JobLevelVirtualFull  JobLevel = "f"
	JobLevelBase         JobLevel = "B"
	JobLevelNone         JobLevel = " "
)

// JobStatus is the single-letter job status code.
type JobStatus string

const (
	JobStatusCreated    JobStatus = "C"
	JobStatusRunning    JobStatus = "R"
	JobStatusBlocked    JobStatus = "B"
	JobStatusTerminated JobStatus = "T"
	JobStatusWarnings   JobStatus = "W"
	JobStatusError      JobStatus = "E"
	JobStatusFatal      JobStatus = "f"
	JobStatusCanceled   JobStatus = "A"
	JobStatusWaiting    JobStatus = "w"
)

// VolStatus is a Volume's position in the write-eligibility cycle.
// Disabled is administrative and orthogonal to the cycle; it is still
// stored in the same column for operator visibility.
type VolStatus string

const (
	VolStatusAppend   VolStatus = "Append"
	VolStatusFull     VolStatus = "Full"
	VolStatusUsed     VolStatus = "Used"
	VolStatusRecycle  VolStatus = "Recycle"
	VolStatusPurged   VolStatus = "Purged"
	VolStatusError    VolStatus = "Error"
	VolStatusDisabled VolStatus = "Disabled"
	VolStatusCleaning VolStatus = "Cleaning"
	VolStatusArchive  VolStatus = "Archive"
)

// Writable reports whether a Volume in this status may accept new data
// without first being recycled.
func (s VolStatus) Writable() bool {
	return s == VolStatusAppend || s == VolStatusRecycle || s == VolStatusPurged
}
