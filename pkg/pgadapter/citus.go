package pgadapter

import (
	"context"
	"fmt"

	"github.com/lib/pq"
	"github.com/stripe/pg-schema-deploy/internal/pgidentifier"
	"github.com/stripe/pg-schema-deploy/pkg/model"
)

// ApplyDistributionRules turns the table into a Citus reference or distributed table
func (a *Adapter) ApplyDistributionRules(ctx context.Context, schema, table string, distribution model.Distribution) error {
	if !a.options.citus {
		a.options.logger.Infof("skipping distribution of %s.%s: citus is not enabled", schema, table)
		return nil
	}
	qualified := pq.QuoteLiteral(pgidentifier.QuoteQualified(schema, table))
	switch distribution.Type {
	case model.DistributionReference:
		return a.exec(ctx, schema+"."+table, fmt.Sprintf("SELECT create_reference_table(%s)", qualified))
	case model.DistributionDistributed:
		if distribution.Column == "" {
			return fmt.Errorf("distributing %s.%s: no distribution column", schema, table)
		}
		return a.exec(ctx, schema+"."+table, fmt.Sprintf("SELECT create_distributed_table(%s, %s)",
			qualified, pq.QuoteLiteral(distribution.Column)))
	default:
		return nil
	}
}

// DistributeFunction delegates calls of the function to the worker holding the shard of its distribution argument
func (a *Adapter) DistributeFunction(ctx context.Context, schema, name string, distributionArgIndex int) error {
	if !a.options.citus {
		a.options.logger.Infof("skipping distribution of function %s.%s: citus is not enabled", schema, name)
		return nil
	}
	if distributionArgIndex < 1 {
		return fmt.Errorf("distributing function %s.%s: invalid argument index %d", schema, name, distributionArgIndex)
	}
	return a.exec(ctx, schema+"."+name, fmt.Sprintf("SELECT create_distributed_function(%s::regproc::oid::regprocedure, %s)",
		pq.QuoteLiteral(pgidentifier.QuoteQualified(schema, name)), pq.QuoteLiteral(fmt.Sprintf("$%d", distributionArgIndex))))
}
