package classifier

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	beginRegex        = regexp.MustCompile(`(?i)^BEGIN\b|^START\s+TRANSACTION\b`)
	readOnlyRegex     = regexp.MustCompile(`(?i)\bREAD\s+ONLY\b`)
	readWriteRegex    = regexp.MustCompile(`(?i)\bREAD\s+WRITE\b`)
	commitRegex       = regexp.MustCompile(`(?i)^COMMIT\b`)
	rollbackRegex     = regexp.MustCompile(`(?i)^ROLLBACK\b`)
	setAutocommitRe   = regexp.MustCompile(`(?i)^SET\s+(GLOBAL\s+|SESSION\s+)?AUTOCOMMIT\s*=\s*('?)(ON|OFF|TRUE|FALSE|0|1)('?)\b`)
	setTransactionRe  = regexp.MustCompile(`(?i)^SET\s+(GLOBAL\s+|SESSION\s+)?TRANSACTION\b`)
	prepareNamedRe    = regexp.MustCompile(`(?i)^PREPARE\s+(\S+)\s+FROM\b`)
	deallocPrepareRe  = regexp.MustCompile(`(?i)^(DEALLOCATE|DROP)\s+PREPARE\s+(\S+)`)
	executeNamedRe    = regexp.MustCompile(`(?i)^EXECUTE\s+(\S+)`)
	userVarRe         = regexp.MustCompile(`@([A-Za-z_][A-Za-z0-9_]*)`)
	globalSysVarRe    = regexp.MustCompile(`@@(global\.)?([A-Za-z_][A-Za-z0-9_]*)`)
	killRe            = regexp.MustCompile(`(?i)^KILL\s+(QUERY\s+|CONNECTION\s+)?(\d+)`)
	killUserRe        = regexp.MustCompile(`(?i)^KILL\s+USER\s+(\S+)`)
	showDatabasesRe   = regexp.MustCompile(`(?i)^SHOW\s+(DATABASES|SCHEMAS)\b`)
	showTablesRe      = regexp.MustCompile(`(?i)^SHOW\s+TABLES\b`)
	useRe             = regexp.MustCompile(`(?i)^USE\s+(\S+)`)
	createTmpTableRe  = regexp.MustCompile(`(?i)^CREATE\s+(TEMPORARY\s+TABLE|TABLE\s+\S+\s*\()`)
	leadingVerbRe     = regexp.MustCompile(`(?i)^([A-Za-z]+)`)
	fqnRe             = regexp.MustCompile("(?i)\\b(?:FROM|JOIN|INTO|UPDATE|TABLE)\\s+(['\"`]?)([A-Za-z0-9_$]+)['\"`]?\\s*\\.\\s*(['\"`]?)([A-Za-z0-9_$]+)['\"`]?")
	tableRe           = regexp.MustCompile("(?i)\\b(?:FROM|JOIN|INTO|TABLE)\\s+(['\"`]?)([A-Za-z0-9_$]+)['\"`]?")
	stringLiteralRe   = regexp.MustCompile(`'(?:[^'\\]|\\.)*'`)
	functionCallRe    = regexp.MustCompile(`(?i)\b([A-Za-z_][A-Za-z0-9_]*)\s*\(`)
	nvlFunctionRe     = regexp.MustCompile(`(?i)\bNVL2?\s*\(`)
)

var sqlKeywordsNotFunctions = map[string]bool{
	"select": true, "where": true, "and": true, "or": true, "values": true,
	"in": true, "as": true, "on": true, "not": true, "exists": true,
}

// Classify analyses one client SQL statement. The classifier never
// fails: an unrecognized statement gets TypeUnknown/OpUndefined and
// ParseResult = ParseInvalid, leaving routing decisions to the caller.
func Classify(query string, opts Options) *Result {
	r := &Result{Query: query, ParseResult: ParseOK}

	canonical := trimTrailingSemicolon(stripComments(query))
	r.Canonical = canonical

	if canonical == "" {
		r.ParseResult = ParseInvalid
		return r
	}

	switch {
	case beginRegex.MatchString(canonical):
		r.Operation = OpUndefined
		r.TypeMask |= TypeBeginTrx
		if readWriteRegex.MatchString(canonical) {
			r.TypeMask |= TypeWrite | TypeReadWrite
		} else {
			r.TypeMask |= TypeRead | TypeReadOnly
		}
		return r

	case commitRegex.MatchString(canonical):
		r.TypeMask |= TypeCommit
		return r

	case rollbackRegex.MatchString(canonical):
		r.TypeMask |= TypeRollback
		return r

	case setTransactionRe.MatchString(canonical):
		r.Operation = OpSetTransaction
		r.TypeMask |= TypeSessionWrite
		if readOnlyRegex.MatchString(canonical) {
			r.TypeMask |= TypeReadOnly
		} else if readWriteRegex.MatchString(canonical) {
			r.TypeMask |= TypeReadWrite
		}
		return r

	case setAutocommitRe.MatchString(canonical):
		m := setAutocommitRe.FindStringSubmatch(canonical)
		scope := strings.ToUpper(strings.TrimSpace(m[1]))
		value := strings.ToUpper(m[3])
		r.Operation = OpSet
		if scope == "GLOBAL" {
			// A GLOBAL write has no autocommit effect on this session.
			r.TypeMask |= TypeGSysVarWrite
			return r
		}
		on := value == "1" || value == "ON" || value == "TRUE"
		if on {
			r.TypeMask |= TypeCommit | TypeEnableAutocommit
		} else {
			r.TypeMask |= TypeBeginTrx | TypeDisableAutocommit
		}
		return r

	case prepareNamedRe.MatchString(canonical):
		m := prepareNamedRe.FindStringSubmatch(canonical)
		r.Operation = OpUndefined
		r.TypeMask |= TypePrepareNamedStmt | TypeSessionWrite
		r.PSName = m[1]
		return r

	case deallocPrepareRe.MatchString(canonical):
		m := deallocPrepareRe.FindStringSubmatch(canonical)
		r.Operation = OpUndefined
		r.TypeMask |= TypeDeallocPrepare | TypeSessionWrite
		r.PSName = m[2]
		return r

	case executeNamedRe.MatchString(canonical):
		m := executeNamedRe.FindStringSubmatch(canonical)
		r.Operation = OpExecute
		r.TypeMask |= TypeExecStmt
		r.PSName = m[1]
		return r

	case killUserRe.MatchString(canonical):
		m := killUserRe.FindStringSubmatch(canonical)
		r.Operation = OpKill
		r.Kill = &KillDescriptor{User: true}
		r.PSName = m[1]
		return r

	case killRe.MatchString(canonical):
		m := killRe.FindStringSubmatch(canonical)
		id, _ := strconv.ParseUint(m[2], 10, 32)
		r.Operation = OpKill
		r.Kill = &KillDescriptor{
			ConnectionID: uint32(id),
			Query:        strings.EqualFold(strings.TrimSpace(m[1]), "QUERY"),
		}
		return r

	case showDatabasesRe.MatchString(canonical):
		r.Operation = OpShow
		r.TypeMask |= TypeRead | TypeShowDatabases
		return r

	case showTablesRe.MatchString(canonical):
		r.Operation = OpShow
		r.TypeMask |= TypeRead | TypeShowTables
		return r

	case useRe.MatchString(canonical):
		m := useRe.FindStringSubmatch(canonical)
		r.Operation = OpChangeDB
		r.TypeMask |= TypeSessionWrite
		r.Databases = append(r.Databases, strings.Trim(m[1], "`'\""))
		return r
	}

	verbMatch := leadingVerbRe.FindStringSubmatch(canonical)
	verb := ""
	if verbMatch != nil {
		verb = strings.ToUpper(verbMatch[1])
	}

	switch verb {
	case "SELECT":
		r.Operation = OpSelect
		r.TypeMask |= TypeRead
		if strings.Contains(strings.ToUpper(canonical), "FOR UPDATE") {
			r.TypeMask |= TypeMasterRead
		}
	case "INSERT", "REPLACE":
		r.Operation = OpInsert
		r.TypeMask |= TypeWrite
	case "UPDATE":
		r.Operation = OpUpdate
		r.TypeMask |= TypeWrite
	case "DELETE":
		r.Operation = OpDelete
		r.TypeMask |= TypeWrite
	case "TRUNCATE":
		r.Operation = OpTruncate
		r.TypeMask |= TypeWrite
	case "CREATE":
		r.Operation = OpCreate
		r.TypeMask |= TypeWrite
		if createTmpTableRe.MatchString(canonical) {
			r.TypeMask |= TypeCreateTmpTable
		}
	case "ALTER":
		r.Operation = OpAlter
		r.TypeMask |= TypeWrite
	case "DROP":
		r.Operation = OpDrop
		r.TypeMask |= TypeWrite
	case "GRANT":
		r.Operation = OpGrant
		r.TypeMask |= TypeWrite | TypeSessionWrite
	case "REVOKE":
		r.Operation = OpRevoke
		r.TypeMask |= TypeWrite | TypeSessionWrite
	case "EXPLAIN", "DESCRIBE", "DESC":
		r.Operation = OpExplain
		r.TypeMask |= TypeRead
	case "CALL":
		r.Operation = OpCall
		r.TypeMask |= TypeWrite
	case "SHOW":
		r.Operation = OpShow
		r.TypeMask |= TypeRead
	case "SET":
		r.Operation = OpSet
		r.TypeMask |= TypeSessionWrite
	case "LOAD":
		if strings.Contains(strings.ToUpper(canonical), "LOCAL") {
			r.Operation = OpLoadLocal
		} else {
			r.Operation = OpLoad
		}
		r.TypeMask |= TypeWrite
	default:
		r.ParseResult = ParseInvalid
		return r
	}

	extractVars(canonical, r)
	extractTablesAndDatabases(canonical, r)
	extractFunctions(canonical, r, opts)

	return r
}

func extractVars(canonical string, r *Result) {
	for _, m := range globalSysVarRe.FindAllStringSubmatch(canonical, -1) {
		global := m[1] != ""
		if r.Operation == OpSet {
			if global {
				r.TypeMask |= TypeGSysVarWrite
			} else {
				r.TypeMask |= TypeSysVarRead // SET @@x=.. still reads current value conceptually absent; kept conservative
			}
		} else {
			if global {
				r.TypeMask |= TypeGSysVarRead
			} else {
				r.TypeMask |= TypeSysVarRead
			}
		}
	}
	// Plain @name user variables, skipping the @@ matches already consumed.
	stripped := globalSysVarRe.ReplaceAllString(canonical, " ")
	for range userVarRe.FindAllStringSubmatch(stripped, -1) {
		if r.Operation == OpSet {
			r.TypeMask |= TypeUserVarWrite
		} else {
			r.TypeMask |= TypeUserVarRead
		}
	}
}

func extractTablesAndDatabases(canonical string, r *Result) {
	seenTable := map[string]bool{}
	seenDB := map[string]bool{}

	for _, m := range fqnRe.FindAllStringSubmatch(canonical, -1) {
		db := m[2]
		table := m[4]
		if !seenDB[db] {
			seenDB[db] = true
			r.Databases = append(r.Databases, db)
		}
		if !seenTable[table] {
			seenTable[table] = true
			r.Tables = append(r.Tables, table)
		}
	}
	// Remove the FQN occurrences before scanning for bare (non-qualified)
	// table references, so "FROM `db`.`table`" isn't also read as a bare
	// reference to table "db".
	rest := fqnRe.ReplaceAllString(canonical, " ")
	for _, m := range tableRe.FindAllStringSubmatch(rest, -1) {
		table := m[2]
		if !seenTable[table] {
			seenTable[table] = true
			r.Tables = append(r.Tables, table)
		}
	}
}

func extractFunctions(canonical string, r *Result, opts Options) {
	seen := map[string]bool{}
	for _, m := range functionCallRe.FindAllStringSubmatch(canonical, -1) {
		name := strings.ToLower(m[1])
		if sqlKeywordsNotFunctions[name] {
			continue
		}
		if opts.Dialect == DialectOracle && (name == "nvl" || name == "nvl2") {
			// Oracle-mode scalar functions; no special type-mask effect
			// beyond being recognized rather than treated as unknown.
		}
		if !seen[name] {
			seen[name] = true
			r.Functions = append(r.Functions, name)
		}
	}
	if opts.StringAsField {
		for _, lit := range stringLiteralRe.FindAllString(canonical, -1) {
			r.Fields = append(r.Fields, lit)
		}
	}
}
