package model

import "time"

// TimeFormat is the literal timestamp layout stored in the catalog.
// Lexicographic order matches chronological order, which the resolver
// queries rely on.
const TimeFormat = "2006-01-02 15:04:05"

// FormatTime renders t in catalog layout, UTC.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime parses a catalog timestamp. Zero time on empty input.
func ParseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation(TimeFormat, s, time.UTC)
}

// Job is one run of a backup, restore, verify, migration or copy.
// The FileId set of a Job is immutable once Status reaches a terminal
// value. PriorJobId chains migrated/copied jobs and must stay acyclic.
type Job struct {
	JobID       int64
	Job         string // unique run name, e.g. "nightly.2026-08-28_03.00.01_04"
	Name        string // base job name
	Type        JobType
	Level       JobLevel
	Status      JobStatus
	ClientID    int64
	PoolID      int64
	FileSetID   int64
	SchedTime   time.Time
	StartTime   time.Time
	EndTime     time.Time
	RealEndTime time.Time
	JobTDate    int64 // EndTime as epoch seconds, retention arithmetic key
	JobFiles    int64
	JobBytes    int64
	ReadBytes   int64
	JobErrors   int64
	PriorJobID  int64
	HasBase     bool
	PurgedFiles bool
}

// Terminated reports whether the job reached a terminal status.
func (j *Job) Terminated() bool {
	switch j.Status {
	case JobStatusTerminated, JobStatusWarnings, JobStatusError,
		JobStatusFatal, JobStatusCanceled:
		return true
	}
	return false
}

// Client is a backed-up machine. Unique by Name.
type Client struct {
	ClientID      int64
	Name          string
	Uname         string
	AutoPrune     bool
	FileRetention time.Duration
	JobRetention  time.Duration
}

// Pool groups Volumes that share retention and reuse policy.
// RecyclePoolID and ScratchPoolID route Volumes between Pools on reuse;
// NextPoolID is the migration/copy write target.
type Pool struct {
	PoolID         int64
	Name           string
	NumVols        int64
	MaxVols        int64
	UseOnce        bool
	Recycle        bool
	AutoPrune      bool
	VolRetention   time.Duration
	VolUseDuration time.Duration
	MaxVolJobs     int64
	MaxVolFiles    int64
	MaxVolBytes    int64
	PoolType       string
	LabelFormat    string
	RecyclePoolID  int64
	ScratchPoolID  int64
	NextPoolID     int64
	ActionOnPurge  int
}

// Media is one physical or virtual Volume.
// At most one Volume per (StorageID, Slot) may have InChanger set; see
// media.Engine.EnforceInChangerUniqueness.
type Media struct {
	MediaID        int64
	VolumeName     string
	PoolID         int64
	MediaType      string
	StorageID      int64
	VolStatus      VolStatus
	Enabled        bool
	Slot           int
	InChanger      bool
	VolBytes       int64
	VolFiles       int64
	VolJobs        int64
	VolBlocks      int64
	VolMounts      int64
	VolErrors      int64
	VolWrites      int64
	VolReads       int64
	VolRetention   time.Duration
	VolUseDuration time.Duration
	MaxVolJobs     int64
	MaxVolFiles    int64
	MaxVolBytes    int64
	Recycle        bool
	RecycleCount   int64
	RecyclePoolID  int64
	FirstWritten   time.Time
	LastWritten    time.Time
	LabelTime      time.Time
	ActionOnPurge  int
}

// JobMedia records which portion of a Volume belongs to which Job.
// VolIndex is the ordinal position of the Volume within the Job's write
// sequence, assigned as max(VolIndex)+1 under the connection lock.
type JobMedia struct {
	JobMediaID int64
	JobID      int64
	MediaID    int64
	FirstIndex int64
	LastIndex  int64
	StartFile  int64
	EndFile    int64
	StartBlock int64
	EndBlock   int64
	VolIndex   int
}

// Path is a deduplicated directory string with trailing separator.
type Path struct {
	PathID int64
	Path   string
}

// Filename is a deduplicated basename. Empty name is valid (directories).
type Filename struct {
	FilenameID int64
	Name       string
}

// File is one backed-up filesystem entry for one Job.
type File struct {
	FileID     int64
	FileIndex  int64
	JobID      int64
	PathID     int64
	FilenameID int64
	DeltaSeq   int
	MarkID     int64
	LStat      string // base64-serialized stat
	MD5        string
}

// FileSet identifies a concrete include/exclude rule set. Changing the
// rules changes MD5 and therefore creates a new FileSetID even when the
// name is unchanged.
type FileSet struct {
	FileSetID  int64
	FileSet    string
	MD5        string
	CreateTime time.Time
}

// BaseFile records that a File stored by BaseJobID stands in for an
// unmodified file in JobID.
type BaseFile struct {
	BaseID    int64
	JobID     int64
	BaseJobID int64
	FileID    int64
	FileIndex int64
}

// RestoreObject is an opaque, possibly compressed plugin payload
// attached to a Job.
type RestoreObject struct {
	RestoreObjectID   int64
	JobID             int64
	FileIndex         int64
	FileType          int
	ObjectIndex       int
	ObjectType        int
	ObjectName        string
	PluginName        string
	ObjectLength      int
	ObjectFullLength  int
	ObjectCompression int
	Object            []byte
}

// Snapshot is a filesystem-level snapshot correlated with, but
// independent of, a backup Job.
type Snapshot struct {
	SnapshotID  int64
	Name        string
	JobID       int64
	ClientID    int64
	FileSetID   int64
	CreateTDate int64
	CreateDate  time.Time
	Volume      string
	Device      string
	Type        string
	Retention   time.Duration
	Comment     string
}

// Counter is a named wraparound sequence for user-visible numbering.
type Counter struct {
	Counter      string
	MinValue     int64
	MaxValue     int64
	CurrentValue int64
	WrapCounter  string
}

// Storage is a storage daemon resource known to the catalog.
type Storage struct {
	StorageID   int64
	Name        string
	AutoChanger bool
}

// JobLogLine is one message attached to a Job's log.
type JobLogLine struct {
	JobID   int64
	Time    time.Time
	LogText string
}
