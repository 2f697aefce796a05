package classifier

import "testing"

func TestClassify_Begin(t *testing.T) {
	r := Classify("BEGIN", Options{})
	if !r.TypeMask.Has(TypeBeginTrx | TypeRead) {
		t.Errorf("mask = %#x, want BEGIN_TRX|READ", r.TypeMask)
	}
}

func TestClassify_BeginWithLeadingCommentAndSemicolon(t *testing.T) {
	r := Classify("-- hello\n BEGIN ; ", Options{})
	if !r.TypeMask.Has(TypeBeginTrx) {
		t.Errorf("mask = %#x, want BEGIN_TRX set", r.TypeMask)
	}
}

func TestClassify_StartTransactionReadWrite(t *testing.T) {
	r := Classify("START TRANSACTION READ WRITE", Options{})
	if !r.TypeMask.Has(TypeBeginTrx | TypeWrite | TypeReadWrite) {
		t.Errorf("mask = %#x, want BEGIN_TRX|WRITE|READWRITE", r.TypeMask)
	}
}

func TestClassify_SetAutocommitOff(t *testing.T) {
	r := Classify("SET AUTOCOMMIT=0", Options{})
	if !r.TypeMask.Has(TypeBeginTrx | TypeDisableAutocommit) {
		t.Errorf("mask = %#x, want BEGIN_TRX|DISABLE_AUTOCOMMIT", r.TypeMask)
	}
}

func TestClassify_SetAutocommitOn(t *testing.T) {
	r := Classify("SET AUTOCOMMIT=1", Options{})
	if !r.TypeMask.Has(TypeCommit | TypeEnableAutocommit) {
		t.Errorf("mask = %#x, want COMMIT|ENABLE_AUTOCOMMIT", r.TypeMask)
	}
}

func TestClassify_SetGlobalAutocommitHasNoSessionEffect(t *testing.T) {
	r := Classify("SET GLOBAL AUTOCOMMIT=0", Options{})
	if r.TypeMask.Any(TypeBeginTrx | TypeCommit | TypeEnableAutocommit | TypeDisableAutocommit) {
		t.Errorf("mask = %#x, want no session autocommit bits", r.TypeMask)
	}
	if !r.TypeMask.Has(TypeGSysVarWrite) {
		t.Errorf("mask = %#x, want GSYSVAR_WRITE", r.TypeMask)
	}
}

func TestClassify_CommitRollback(t *testing.T) {
	if r := Classify("COMMIT", Options{}); !r.TypeMask.Has(TypeCommit) {
		t.Errorf("COMMIT mask = %#x", r.TypeMask)
	}
	if r := Classify("ROLLBACK WORK", Options{}); !r.TypeMask.Has(TypeRollback) {
		t.Errorf("ROLLBACK mask = %#x", r.TypeMask)
	}
}

func TestClassify_SelectTable(t *testing.T) {
	r := Classify("SELECT * FROM users WHERE id = 1", Options{})
	if r.Operation != OpSelect {
		t.Errorf("operation = %v, want SELECT", r.Operation)
	}
	if !r.TypeMask.Has(TypeRead) {
		t.Errorf("mask = %#x, want READ", r.TypeMask)
	}
	if len(r.Tables) != 1 || r.Tables[0] != "users" {
		t.Errorf("tables = %v, want [users]", r.Tables)
	}
}

func TestClassify_SelectFQNTable(t *testing.T) {
	r := Classify("SELECT * FROM `app`.`users`", Options{})
	if len(r.Databases) != 1 || r.Databases[0] != "app" {
		t.Errorf("databases = %v, want [app]", r.Databases)
	}
	if len(r.Tables) != 1 || r.Tables[0] != "users" {
		t.Errorf("tables = %v, want [users]", r.Tables)
	}
}

func TestClassify_InsertUpdateDelete(t *testing.T) {
	if r := Classify("INSERT INTO t VALUES (1)", Options{}); r.Operation != OpInsert || !r.TypeMask.Has(TypeWrite) {
		t.Errorf("insert: op=%v mask=%#x", r.Operation, r.TypeMask)
	}
	if r := Classify("UPDATE t SET x = 1", Options{}); r.Operation != OpUpdate || !r.TypeMask.Has(TypeWrite) {
		t.Errorf("update: op=%v mask=%#x", r.Operation, r.TypeMask)
	}
	if r := Classify("DELETE FROM t WHERE x = 1", Options{}); r.Operation != OpDelete || !r.TypeMask.Has(TypeWrite) {
		t.Errorf("delete: op=%v mask=%#x", r.Operation, r.TypeMask)
	}
}

func TestClassify_PrepareNamed(t *testing.T) {
	r := Classify("PREPARE stmt1 FROM 'SELECT 1'", Options{})
	if !r.TypeMask.Has(TypePrepareNamedStmt) {
		t.Errorf("mask = %#x, want PREPARE_NAMED_STMT", r.TypeMask)
	}
	if r.PSName != "stmt1" {
		t.Errorf("psname = %q, want stmt1", r.PSName)
	}
}

func TestClassify_Kill(t *testing.T) {
	r := Classify("KILL QUERY 42", Options{})
	if r.Operation != OpKill || r.Kill == nil {
		t.Fatalf("expected KILL descriptor")
	}
	if r.Kill.ConnectionID != 42 || !r.Kill.Query {
		t.Errorf("kill = %+v, want {42, true}", r.Kill)
	}
}

func TestClassify_UserAndSystemVariables(t *testing.T) {
	r := Classify("SELECT @myvar, @@global.max_connections, @@session.sql_mode", Options{})
	if !r.TypeMask.Has(TypeUserVarRead) {
		t.Errorf("mask = %#x, want USERVAR_READ", r.TypeMask)
	}
	if !r.TypeMask.Has(TypeGSysVarRead) {
		t.Errorf("mask = %#x, want GSYSVAR_READ", r.TypeMask)
	}
	if !r.TypeMask.Has(TypeSysVarRead) {
		t.Errorf("mask = %#x, want SYSVAR_READ", r.TypeMask)
	}
}

func TestClassify_CaseInsensitiveAndExtraSpaces(t *testing.T) {
	r1 := Classify("select  *   from   users", Options{})
	r2 := Classify("SELECT * FROM USERS", Options{})
	if r1.Operation != OpSelect || r2.Operation != OpSelect {
		t.Fatalf("expected both to classify as SELECT")
	}
}

func TestClassify_UnknownStatementIsInvalid(t *testing.T) {
	r := Classify("FROBNICATE widgets", Options{})
	if r.ParseResult != ParseInvalid {
		t.Errorf("parse result = %v, want INVALID", r.ParseResult)
	}
	if r.TypeMask != TypeUnknown {
		t.Errorf("mask = %#x, want 0", r.TypeMask)
	}
}

func TestClassify_EmptyStatementIsInvalid(t *testing.T) {
	r := Classify("  -- just a comment\n", Options{})
	if r.ParseResult != ParseInvalid {
		t.Errorf("parse result = %v, want INVALID", r.ParseResult)
	}
}

func TestClassify_ShowDatabases(t *testing.T) {
	r := Classify("SHOW DATABASES", Options{})
	if !r.TypeMask.Has(TypeShowDatabases | TypeRead) {
		t.Errorf("mask = %#x, want SHOW_DATABASES|READ", r.TypeMask)
	}
}

func TestClassify_StringLiteralsDoNotConfuseCommentStripping(t *testing.T) {
	r := Classify("SELECT '-- not a comment' FROM t", Options{})
	if r.Operation != OpSelect {
		t.Fatalf("operation = %v, want SELECT", r.Operation)
	}
	if len(r.Tables) != 1 || r.Tables[0] != "t" {
		t.Errorf("tables = %v, want [t]", r.Tables)
	}
}
