// Package testdb provides utilities specifically for database testing:
// connecting to the integration database, applying migrations and running
// each test inside a rolled-back transaction.
package testdb
