// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlutil

import (
	"database/sql"

	"github.com/sirupsen/logrus"
)

// StatementList prepares a batch of statements in one go, assigning each
// into its target pointer.
type StatementList []struct {
	Statement **sql.Stmt
	SQL       string
}

// Prepare the SQL for each statement in the list and assign the result to
// the prepared statement.
func (s StatementList) Prepare(db *sql.DB) (err error) {
	for _, statement := range s {
		if *statement.Statement, err = db.Prepare(statement.SQL); err != nil {
			return
		}
	}
	return
}

// TxStmt wraps an SQL stmt inside an optional transaction.
func TxStmt(transaction *sql.Tx, statement *sql.Stmt) *sql.Stmt {
	if transaction != nil {
		statement = transaction.Stmt(statement)
	}
	return statement
}

// EndTransactionWithCheck commits the transaction if succeeded is true,
// otherwise rolls it back, folding any new error into err.
func EndTransactionWithCheck(txn *sql.Tx, succeeded *bool, err *error) {
	if *succeeded {
		if cerr := txn.Commit(); cerr != nil && *err == nil {
			*err = cerr
		}
		return
	}
	if rerr := txn.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
		logrus.WithError(rerr).Error("Failed to roll back transaction")
	}
}
