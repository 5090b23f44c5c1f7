package odb

import (
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// TableVersionInfo is the persisted descriptor of one schema version of a
// table: the table name plus the exported fields of the struct at the time
// the version was first written.
type TableVersionInfo struct {
	Name   string           `msgpack:"n"`
	Fields []TableFieldInfo `msgpack:"f"`
}

type TableFieldInfo struct {
	Name string `msgpack:"n"`
	Type string `msgpack:"t"`
}

func computeTableVersionInfo(name string, st reflect.Type) TableVersionInfo {
	info := TableVersionInfo{Name: name}
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Tag.Get("msgpack") == "-" {
			continue
		}
		info.Fields = append(info.Fields, TableFieldInfo{
			Name: f.Name,
			Type: f.Type.String(),
		})
	}
	return info
}

func tableVersionInfoEqual(a, b TableVersionInfo) bool {
	return reflect.DeepEqual(a, b)
}

func encodeTableVersionInfo(info TableVersionInfo) []byte {
	return must(msgpack.Marshal(&info))
}

func decodeTableVersionInfo(data []byte) (TableVersionInfo, error) {
	var info TableVersionInfo
	err := msgpack.Unmarshal(data, &info)
	if err != nil {
		return TableVersionInfo{}, dataErrf(data, 0, err, "invalid table version descriptor")
	}
	return info, nil
}

func buildKeyForTableVersions(tableID, version uint32) []byte {
	buf := make([]byte, 0, len(tableVersionsPrefix)+2*maxVarUintLen)
	buf = append(buf, tableVersionsPrefix...)
	buf = appendVarUint(buf, uint64(tableID))
	return appendVarUint(buf, uint64(version))
}

// ensureSchemaStored writes the table name, version descriptor and singleton
// OID for a table whose persisted schema lags the client type. It runs once
// per table per transaction (again only after Singleton drops the table from
// the updated set) and never in a read-only transaction.
func (tx *Tx) ensureSchemaStored(ti *tableInfo) {
	if tx.readOnly {
		return
	}
	if ti.lastPersistedVersion == ti.clientTypeVersion && !ti.needStoreSingletonOid {
		return
	}
	if _, done := tx.updatedTables[ti]; done {
		return
	}
	if tx.updatedTables == nil {
		tx.updatedTables = make(map[*tableInfo]struct{})
	}
	tx.updatedTables[ti] = struct{}{}

	if ti.lastPersistedVersion <= 0 {
		var w bytesBuilder
		w.AppendVarBytes([]byte(ti.name))
		tx.cursorMoved()
		tx.ktx.CreateOrUpdateKeyValue(oidKey(tableNamesPrefix, OID(ti.id)), w.Buf)
	}
	if ti.lastPersistedVersion != ti.clientTypeVersion {
		tx.cursorMoved()
		tx.ktx.CreateOrUpdateKeyValue(
			buildKeyForTableVersions(ti.id, ti.clientTypeVersion),
			encodeTableVersionInfo(ti.versionInfo))
	}
	if ti.needStoreSingletonOid {
		tx.cursorMoved()
		tx.ktx.CreateOrUpdateKeyValue(
			oidKey(tableSingletonsPrefix, OID(ti.id)),
			appendOid(nil, ti.singletonOid))
	}
	if tx.db.verbose {
		tx.db.logf("db: SCHEMA %s id=%d v=%d", ti.name, ti.id, ti.clientTypeVersion)
	}
}
