package model

import "context"

type (
	// SchemaAdapter executes DDL against a database. Statements run on the transaction carried by the context, if
	// any. Implementations translate driver failures into *LockError, *UndefinedNameError and *DataAccessError
	SchemaAdapter interface {
		CreateTable(ctx context.Context, schema, name string, columns []Column, primaryKey *PrimaryKey, tablespace string) error
		DropTable(ctx context.Context, schema, name string) error
		AddColumn(ctx context.Context, schema, table string, column Column) error
		CreateUniqueConstraint(ctx context.Context, schema, table string, constraint UniqueConstraint) error
		CreateForeignKeyConstraint(ctx context.Context, schema, table string, fk ForeignKeyConstraint) error
		DropForeignKey(ctx context.Context, schema, table, constraintName string) error

		CreateIndex(ctx context.Context, schema, table, name string, columns []string) error
		CreateUniqueIndex(ctx context.Context, schema, table, name string, columns []string) error
		DropIndex(ctx context.Context, schema, name string) error

		CreateOrReplaceView(ctx context.Context, schema, name, definition string) error
		DropView(ctx context.Context, schema, name string) error

		CreateSequence(ctx context.Context, schema, name string, options SequenceOptions) error
		DropSequence(ctx context.Context, schema, name string) error
		AlterSequenceRestartWith(ctx context.Context, schema, name string, restartWith int64, options SequenceOptions) error

		CreateOrReplaceProcedure(ctx context.Context, schema, name, definition string) error
		DropProcedure(ctx context.Context, schema, name string) error
		CreateOrReplaceFunction(ctx context.Context, schema, name, definition string) error
		DropFunction(ctx context.Context, schema, name string) error
		DistributeFunction(ctx context.Context, schema, name string, distributionArgIndex int) error

		CreateTablespace(ctx context.Context, name string, extentSizeKB int) error
		DropTablespace(ctx context.Context, name string) error

		CreateSessionVariable(ctx context.Context, schema, name, defaultValue string) error
		DropSessionVariable(ctx context.Context, schema, name string) error

		GrantTablePrivileges(ctx context.Context, schema, table string, privileges []Privilege, toUser string) error
		GrantSequencePrivileges(ctx context.Context, schema, sequence string, privileges []Privilege, toUser string) error
		GrantProcedurePrivileges(ctx context.Context, schema, procedure string, privileges []Privilege, toUser string) error
		GrantFunctionPrivileges(ctx context.Context, schema, function string, privileges []Privilege, toUser string) error
		GrantVariablePrivileges(ctx context.Context, schema, variable string, privileges []Privilege, toUser string) error

		// ApplyDistributionRules establishes the reference or sharding topology of a table on a distributed backend
		ApplyDistributionRules(ctx context.Context, schema, table string, distribution Distribution) error
	}

	// VersionHistory is the oracle of which (object, version) pairs have already been applied to a database
	VersionHistory interface {
		// Applies returns true if the given version of the object has not been applied yet
		Applies(schema string, kind ObjectKind, name string, version int) bool
		// GetVersion returns the last recorded version of the object, or 0 if none
		GetVersion(schema string, kind ObjectKind, name string) int
		// AddVersion records that the version of the object has been applied
		AddVersion(ctx context.Context, schema string, kind ObjectKind, name string, version int) error
	}

	// TaskGroup is a node in the task graph built by a TaskCollector
	TaskGroup interface {
		TaskID() string
	}

	// TaskCollector builds a dependency graph of units of work. Work of a group must only start once every child
	// group completed successfully. Groups with the same task id are deduplicated: the first registration wins
	TaskCollector interface {
		MakeTaskGroup(taskID string, work func(ctx context.Context) error, children []TaskGroup) TaskGroup
	}

	// Transaction is closed exactly once. Close commits unless SetRollbackOnly was called, in which case it rolls back
	Transaction interface {
		SetRollbackOnly()
		Close() error
	}

	// TransactionProvider opens transactions. The returned context carries the transaction and must be used for all
	// work that belongs to it
	TransactionProvider interface {
		Open(ctx context.Context) (context.Context, Transaction, error)
	}
)
