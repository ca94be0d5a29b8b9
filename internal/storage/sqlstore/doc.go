// Package sqlstore 使用 database/sql 实现各业务模块的持久化接口，
// 支持 MySQL（go-sql-driver/mysql）与 SQLite（modernc.org/sqlite）两种方言。
package sqlstore
