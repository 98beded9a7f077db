package catalog

import (
	"context"
	"fmt"

	"tapecat/internal/database"
	"tapecat/internal/model"
)

const jobColumns = "JobId,Job,Name,Type,Level,JobStatus,ClientId,PoolId,FileSetId," +
	"SchedTime,StartTime,EndTime,RealEndTime,JobTDate,JobFiles,JobBytes,ReadBytes," +
	"JobErrors,PriorJobId,HasBase,PurgedFiles"

func scanJob(cols []string) *model.Job {
	return &model.Job{
		JobID:       parseInt64(cols[0]),
		Job:         cols[1],
		Name:        cols[2],
		Type:        model.JobType(cols[3]),
		Level:       model.JobLevel(cols[4]),
		Status:      model.JobStatus(cols[5]),
		ClientID:    parseInt64(cols[6]),
		PoolID:      parseInt64(cols[7]),
		FileSetID:   parseInt64(cols[8]),
		SchedTime:   parseTime(cols[9]),
		StartTime:   parseTime(cols[10]),
		EndTime:     parseTime(cols[11]),
		RealEndTime: parseTime(cols[12]),
		JobTDate:    parseInt64(cols[13]),
		JobFiles:    parseInt64(cols[14]),
		JobBytes:    parseInt64(cols[15]),
		ReadBytes:   parseInt64(cols[16]),
		JobErrors:   parseInt64(cols[17]),
		PriorJobID:  parseInt64(cols[18]),
		HasBase:     parseBool(cols[19]),
		PurgedFiles: parseBool(cols[20]),
	}
}

// CreateJobRecord inserts the core Job row and fills in JobID. This is
// one of the few operations whose failure is always fatal to the job:
// nothing else can be recorded without it.
func (c *Catalog) CreateJobRecord(ctx context.Context, job *model.Job) error {
	const opName = "CreateJobRecord"
	query := fmt.Sprintf(
		"INSERT INTO Job (Job,Name,Type,Level,JobStatus,ClientId,PoolId,FileSetId,SchedTime,PriorJobId) "+
			"VALUES (%s,%s,%s,%s,%s,%d,%d,%d,%s,%d)",
		c.quote(job.Job), c.quote(job.Name), c.quote(string(job.Type)),
		c.quote(string(job.Level)), c.quote(string(job.Status)),
		job.ClientID, job.PoolID, job.FileSetID,
		c.quote(model.FormatTime(job.SchedTime)), job.PriorJobID)
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), query, "Job")
	if err != nil {
		c.sink.Fatalf("failed to create job record for %s: %v", job.Job, err)
		return statementError(opName, err)
	}
	job.JobID = id
	return nil
}

// GetJobRecord fetches a Job by id.
func (c *Catalog) GetJobRecord(ctx context.Context, jobID int64) (*model.Job, error) {
	const opName = "GetJobRecord"
	query := fmt.Sprintf("SELECT %s FROM Job WHERE JobId=%d", jobColumns, jobID)
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanJob(cols), nil
}

// FindJobByRunName fetches a Job by its unique run name.
func (c *Catalog) FindJobByRunName(ctx context.Context, runName string) (*model.Job, error) {
	const opName = "FindJobByRunName"
	query := fmt.Sprintf("SELECT %s FROM Job WHERE Job=%s", jobColumns, c.quote(runName))
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanJob(cols), nil
}

// UpdateJobStart records the transition to Running: actual level,
// start time and resolved resource ids.
func (c *Catalog) UpdateJobStart(ctx context.Context, job *model.Job) error {
	const opName = "UpdateJobStart"
	query := fmt.Sprintf(
		"UPDATE Job SET JobStatus=%s,Level=%s,StartTime=%s,ClientId=%d,PoolId=%d,FileSetId=%d WHERE JobId=%d",
		c.quote(string(job.Status)), c.quote(string(job.Level)),
		c.quote(model.FormatTime(job.StartTime)),
		job.ClientID, job.PoolID, job.FileSetID, job.JobID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// UpdateJobEnd records a job's terminal state and totals. After this,
// the job's File set is immutable.
func (c *Catalog) UpdateJobEnd(ctx context.Context, job *model.Job) error {
	const opName = "UpdateJobEnd"
	if job.JobTDate == 0 && !job.EndTime.IsZero() {
		job.JobTDate = job.EndTime.Unix()
	}
	query := fmt.Sprintf(
		"UPDATE Job SET JobStatus=%s,Level=%s,EndTime=%s,RealEndTime=%s,JobTDate=%d,"+
			"JobFiles=%d,JobBytes=%d,ReadBytes=%d,JobErrors=%d,PriorJobId=%d,HasBase=%d,PurgedFiles=%d "+
			"WHERE JobId=%d",
		c.quote(string(job.Status)), c.quote(string(job.Level)),
		c.quote(model.FormatTime(job.EndTime)), c.quote(model.FormatTime(job.RealEndTime)),
		job.JobTDate, job.JobFiles, job.JobBytes, job.ReadBytes, job.JobErrors,
		job.PriorJobID, boolInt(job.HasBase), boolInt(job.PurgedFiles), job.JobID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// UpdateJobStatus sets only the status column. Used by orchestrators
// to keep failed jobs distinguishable from successful ones.
func (c *Catalog) UpdateJobStatus(ctx context.Context, jobID int64, status model.JobStatus) error {
	const opName = "UpdateJobStatus"
	query := fmt.Sprintf("UPDATE Job SET JobStatus=%s WHERE JobId=%d",
		c.quote(string(status)), jobID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// MarkJobMigrated rewrites a source job's type after a successful
// migration: the original is logically superseded but its row remains.
func (c *Catalog) MarkJobMigrated(ctx context.Context, jobID int64) error {
	const opName = "MarkJobMigrated"
	query := fmt.Sprintf("UPDATE Job SET Type=%s WHERE JobId=%d",
		c.quote(string(model.JobTypeMigrated)), jobID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// SetJobType rewrites a job's type code.
func (c *Catalog) SetJobType(ctx context.Context, jobID int64, t model.JobType) error {
	const opName = "SetJobType"
	query := fmt.Sprintf("UPDATE Job SET Type=%s WHERE JobId=%d", c.quote(string(t)), jobID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// DeleteJobRecord removes only the Job row. Cascading deletion of a
// job's File/JobMedia history belongs to the prune engine.
func (c *Catalog) DeleteJobRecord(ctx context.Context, jobID int64) error {
	const opName = "DeleteJobRecord"
	query := fmt.Sprintf("DELETE FROM Job WHERE JobId=%d", jobID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Name     string
	ClientID int64
	PoolID   int64
	Type     model.JobType
	Limit    int64
}

// ListJobs streams jobs, newest first, through handler. The handler
// may stop early. Restricted principals see only jobs whose base name
// their ACL allows. Returns the number of rows visited.
func (c *Catalog) ListJobs(ctx context.Context, filter JobFilter, handler func(*model.Job) (stop bool, err error)) (int64, error) {
	const opName = "ListJobs"
	where := ""
	if filter.Name != "" {
		where = andPredicate(where, "Name="+c.quote(filter.Name))
	}
	if filter.ClientID != 0 {
		where = andPredicate(where, fmt.Sprintf("ClientId=%d", filter.ClientID))
	}
	if filter.PoolID != 0 {
		where = andPredicate(where, fmt.Sprintf("PoolId=%d", filter.PoolID))
	}
	if filter.Type != "" {
		where = andPredicate(where, "Type="+c.quote(string(filter.Type)))
	}
	where = andPredicate(where, c.acl.Predicate("Job", "Name"))

	query := "SELECT " + jobColumns + " FROM Job"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY JobId DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	n, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		return handler(scanJob(cols))
	})
	if err != nil {
		return n, statementError(opName, err)
	}
	return n, nil
}

// AddJobLog appends one line to a job's log.
func (c *Catalog) AddJobLog(ctx context.Context, line model.JobLogLine) error {
	const opName = "AddJobLog"
	query := fmt.Sprintf("INSERT INTO Log (JobId,Time,LogText) VALUES (%d,%s,%s)",
		line.JobID, c.quote(model.FormatTime(line.Time)), c.quote(line.LogText))
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// GetJobLog returns a job's log lines in insertion order.
func (c *Catalog) GetJobLog(ctx context.Context, jobID int64) ([]model.JobLogLine, error) {
	const opName = "GetJobLog"
	query := fmt.Sprintf("SELECT JobId,Time,LogText FROM Log WHERE JobId=%d ORDER BY LogId", jobID)
	var lines []model.JobLogLine
	_, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		lines = append(lines, model.JobLogLine{
			JobID:   parseInt64(cols[0]),
			Time:    parseTime(cols[1]),
			LogText: cols[2],
		})
		return false, nil
	})
	if err != nil {
		return nil, statementError(opName, err)
	}
	return lines, nil
}

// CopyJobLog duplicates the source job's log lines under the new
// JobId. Used on Copy reconciliation so the copy is independently
// restorable with its provenance intact.
func (c *Catalog) CopyJobLog(ctx context.Context, fromJobID, toJobID int64) error {
	const opName = "CopyJobLog"
	query := fmt.Sprintf(
		"INSERT INTO Log (JobId,Time,LogText) SELECT %d,Time,LogText FROM Log WHERE JobId=%d",
		toJobID, fromJobID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}
