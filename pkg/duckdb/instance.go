//go:build duckdb

package duckdb

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	goduckdb "github.com/marcboeker/go-duckdb"
	"go.uber.org/multierr"
)

// Instance owns one DuckDB database and a persistent connection used for
// Arrow transfers.
type Instance struct {
	db          *sql.DB
	conn        *sql.Conn
	alloc       memory.Allocator
	releaseView func() // release function from the last RegisterView call
}

// NewInstance opens the database at path, or an in-memory database when path
// is empty. Pass 0 for memoryLimit to use the default (256MB).
func NewInstance(alloc memory.Allocator, path string, memoryLimit int64) (*Instance, error) {
	if memoryLimit == 0 {
		memoryLimit = 256 * 1024 * 1024
	}

	connector, err := goduckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("duckdb: create connector: %w", err)
	}
	db := sql.OpenDB(connector)

	conn, err := db.Conn(context.Background())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("duckdb: get connection: %w", err)
	}

	limitMB := max(memoryLimit/(1024*1024), 1)
	if _, err := conn.ExecContext(context.Background(), fmt.Sprintf("SET memory_limit='%dMB'", limitMB)); err != nil {
		conn.Close()
		db.Close()
		return nil, fmt.Errorf("duckdb: set memory_limit: %w", err)
	}

	return &Instance{db: db, conn: conn, alloc: alloc}, nil
}

// Close releases the last view and closes the database.
func (inst *Instance) Close() error {
	inst.dropView()
	var err error
	if inst.conn != nil {
		err = inst.conn.Close()
		inst.conn = nil
	}
	if inst.db != nil {
		err = multierr.Append(err, inst.db.Close())
		inst.db = nil
	}
	return err
}

func (inst *Instance) dropView() {
	if inst.releaseView != nil {
		inst.releaseView()
		inst.releaseView = nil
	}
}

// Exec runs a statement on the instance's connection.
func (inst *Instance) Exec(ctx context.Context, stmt string) error {
	if _, err := inst.conn.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("duckdb: exec: %w", err)
	}
	return nil
}

// RegisterView exposes rec to SQL under name without copying it. The previous
// view is released first.
func (inst *Instance) RegisterView(rec arrow.Record, name string) error {
	inst.dropView()

	return inst.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}

		recRdr, err := array.NewRecordReader(rec.Schema(), []arrow.Record{rec})
		if err != nil {
			return fmt.Errorf("duckdb: create record reader: %w", err)
		}

		release, err := arrowConn.RegisterView(recRdr, name)
		if err != nil {
			return fmt.Errorf("duckdb: register view: %w", err)
		}
		inst.releaseView = release
		return nil
	})
}

// Query executes a SQL query and returns the result as one Arrow record.
func (inst *Instance) Query(ctx context.Context, querySQL string) (arrow.Record, error) {
	var result arrow.Record
	err := inst.conn.Raw(func(driverConn any) error {
		arrowConn, err := goduckdb.NewArrowFromConn(driverConn.(driver.Conn))
		if err != nil {
			return fmt.Errorf("duckdb: arrow from conn: %w", err)
		}

		rdr, err := arrowConn.QueryContext(ctx, querySQL)
		if err != nil {
			return fmt.Errorf("duckdb: query: %w", err)
		}
		defer rdr.Release()

		var records []arrow.Record
		for rdr.Next() {
			rec := rdr.Record()
			rec.Retain()
			records = append(records, rec)
		}
		if rdr.Err() != nil {
			releaseAll(records)
			return fmt.Errorf("duckdb: read results: %w", rdr.Err())
		}

		switch len(records) {
		case 0:
			result = array.NewRecord(rdr.Schema(), nil, 0)
			return nil
		case 1:
			result = records[0]
			return nil
		}
		result, err = concatenateRecords(inst.alloc, records)
		releaseAll(records)
		return err
	})
	return result, err
}
