package catalog

import (
	"context"
	"fmt"
	"time"

	"tapecat/internal/database"
	"tapecat/internal/model"
)

const clientColumns = "ClientId,Name,Uname,AutoPrune,FileRetention,JobRetention"

func scanClient(cols []string) *model.Client {
	return &model.Client{
		ClientID:      parseInt64(cols[0]),
		Name:          cols[1],
		Uname:         cols[2],
		AutoPrune:     parseBool(cols[3]),
		FileRetention: time.Duration(parseInt64(cols[4])) * time.Second,
		JobRetention:  time.Duration(parseInt64(cols[5])) * time.Second,
	}
}

// CreateClientRecord creates a client or, if one with the same name
// already exists, adopts its id. The unique constraint on Name is the
// real safety net under concurrent first-use; the lookup is an
// optimization.
func (c *Catalog) CreateClientRecord(ctx context.Context, client *model.Client) error {
	const opName = "CreateClientRecord"
	existing, err := c.GetClientByName(ctx, client.Name)
	if err == nil {
		client.ClientID = existing.ClientID
		return nil
	}
	if err != database.ErrNotFound {
		return err
	}

	query := fmt.Sprintf(
		"INSERT INTO Client (Name,Uname,AutoPrune,FileRetention,JobRetention) VALUES (%s,%s,%d,%d,%d)",
		c.quote(client.Name), c.quote(client.Uname), boolInt(client.AutoPrune),
		seconds(client.FileRetention), seconds(client.JobRetention))
	id, err := c.conn.InsertReturningID(ctx, c.op(opName), query, "Client")
	if err != nil {
		return statementError(opName, err)
	}
	client.ClientID = id
	return nil
}

// GetClientByName fetches a client by its unique name.
func (c *Catalog) GetClientByName(ctx context.Context, name string) (*model.Client, error) {
	const opName = "GetClientByName"
	query := fmt.Sprintf("SELECT %s FROM Client WHERE Name=%s", clientColumns, c.quote(name))
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanClient(cols), nil
}

// GetClientRecord fetches a client by id.
func (c *Catalog) GetClientRecord(ctx context.Context, clientID int64) (*model.Client, error) {
	const opName = "GetClientRecord"
	query := fmt.Sprintf("SELECT %s FROM Client WHERE ClientId=%d", clientColumns, clientID)
	cols, found, err := c.selectOne(ctx, opName, query)
	if err != nil {
		return nil, statementError(opName, err)
	}
	if !found {
		return nil, database.ErrNotFound
	}
	return scanClient(cols), nil
}

// UpdateClientRecord rewrites a client's mutable fields.
func (c *Catalog) UpdateClientRecord(ctx context.Context, client *model.Client) error {
	const opName = "UpdateClientRecord"
	query := fmt.Sprintf(
		"UPDATE Client SET Uname=%s,AutoPrune=%d,FileRetention=%d,JobRetention=%d WHERE ClientId=%d",
		c.quote(client.Uname), boolInt(client.AutoPrune),
		seconds(client.FileRetention), seconds(client.JobRetention), client.ClientID)
	if err := c.conn.Exec(ctx, c.op(opName), query); err != nil {
		return statementError(opName, err)
	}
	return nil
}

// ListClients streams clients ordered by name, subject to the ACL.
func (c *Catalog) ListClients(ctx context.Context, handler func(*model.Client) (stop bool, err error)) (int64, error) {
	const opName = "ListClients"
	query := "SELECT " + clientColumns + " FROM Client"
	if pred := c.acl.Predicate("Client", "Name"); pred != "" {
		query += " WHERE " + pred
	}
	query += " ORDER BY Name"
	n, err := c.conn.Query(ctx, c.op(opName), query, func(cols []string) (bool, error) {
		return handler(scanClient(cols))
	})
	if err != nil {
		return n, statementError(opName, err)
	}
	return n, nil
}
