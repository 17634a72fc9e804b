package bridge

import (
	_ "github.com/go-sql-driver/mysql"  // registers "mysql"
	_ "github.com/lib/pq"               // registers "postgres"
	_ "github.com/microsoft/go-mssqldb" // registers "sqlserver"
	_ "github.com/sijms/go-ora/v2"      // registers "oracle"
)
