// Package mysql persists finished intent runs. A file-backed repository serves
// single-node development; the SQL repository stores runs in MySQL and applies
// the embedded schema migrations on start.
package mysql
