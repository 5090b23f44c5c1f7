package odb

import (
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// ObjectWriter is the context handed to savers. It exposes the raw byte
// builder plus helpers for nesting objects inline or by reference.
type ObjectWriter struct {
	bytesBuilder
	tx *Tx
}

func (w *ObjectWriter) Tx() *Tx {
	return w.tx
}

// ObjectReader is the context handed to loaders. Objects materialized
// during a read are registered before their content loads, so custom
// loaders can resolve cyclic references back to a partially built object.
type ObjectReader struct {
	d      byteDecoder
	tx     *Tx
	inline []any
}

func newObjectReader(tx *Tx, data []byte) *ObjectReader {
	return &ObjectReader{d: makeByteDecoder(data), tx: tx}
}

func (r *ObjectReader) Tx() *Tx {
	return r.tx
}

func (r *ObjectReader) VarUint() (uint64, error)  { return r.d.VarUint() }
func (r *ObjectReader) VarBytes() ([]byte, error) { return r.d.VarBytes() }
func (r *ObjectReader) Raw(n int) ([]byte, error) { return r.d.Raw(n) }
func (r *ObjectReader) Remaining() int            { return r.d.Remaining() }

// RegisterInline records an object under construction; InlineObject returns
// it by registration order. Custom loaders use these for cyclic references.
func (r *ObjectReader) RegisterInline(obj any) {
	r.inline = append(r.inline, obj)
}

func (r *ObjectReader) InlineObject(index int) any {
	if index < 0 || index >= len(r.inline) {
		return nil
	}
	return r.inline[index]
}

// defaultSaver writes the object as one length-prefixed msgpack blob.
func defaultSaver(tx *Tx, w *ObjectWriter, obj any) error {
	data, err := msgpack.Marshal(obj)
	if err != nil {
		return err
	}
	w.AppendVarBytes(data)
	return nil
}

func defaultLoader(tx *Tx, r *ObjectReader, obj any) error {
	data, err := r.d.VarBytes()
	if err != nil {
		return err
	}
	err = msgpack.Unmarshal(data, obj)
	if err != nil {
		return dataErrf(r.d.Orig, r.d.Off(), err, "invalid object content")
	}
	return nil
}

// defaultFreeContent decodes the blob into a throwaway instance and walks
// it for DictID fields. Tables with hand-written savers should install a
// structural FreeContent that skips the decode.
func defaultFreeContent(ti *tableInfo) FreeContentFunc {
	return func(tx *Tx, r *ObjectReader, dicts *[]DictID) error {
		data, err := r.d.VarBytes()
		if err != nil {
			return err
		}
		scratch := reflect.New(ti.clientType.Elem())
		err = msgpack.Unmarshal(data, scratch.Interface())
		if err != nil {
			return dataErrf(r.d.Orig, r.d.Off(), err, "invalid object content")
		}
		collectDictIDs(scratch.Elem(), dicts)
		return nil
	}
}

var dictIDType = reflect.TypeOf(DictID(0))

func collectDictIDs(v reflect.Value, dicts *[]DictID) {
	if !v.IsValid() {
		return
	}
	if v.Type() == dictIDType {
		if id := DictID(v.Uint()); id != 0 {
			*dicts = append(*dicts, id)
		}
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if v.Type().Field(i).IsExported() {
				collectDictIDs(v.Field(i), dicts)
			}
		}
	case reflect.Ptr, reflect.Interface:
		if !v.IsNil() {
			collectDictIDs(v.Elem(), dicts)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			collectDictIDs(v.Index(i), dicts)
		}
	case reflect.Map:
		for it := v.MapRange(); it.Next(); {
			collectDictIDs(it.Value(), dicts)
		}
	}
}

// writeObjectTo emits the full object record: table id, client type
// version, then the saver output.
func (tx *Tx) writeObjectTo(w *ObjectWriter, ti *tableInfo, obj any) error {
	w.AppendVarUint(uint64(ti.id))
	w.AppendVarUint(uint64(ti.clientTypeVersion))
	return ti.saver(tx, w, obj)
}

// WriteInline embeds obj into the stream of another object being saved.
func (w *ObjectWriter) WriteInline(obj any) error {
	tx := w.tx
	ti, err := tx.db.tableByType(reflect.TypeOf(obj), true)
	if err != nil {
		return err
	}
	tx.ensureSchemaStored(ti)
	return tx.writeObjectTo(w, ti, obj)
}

// ReadInline materializes an object embedded in the stream. The new object
// is registered with the reader before its loader runs, so cyclic inline
// references resolve.
func (r *ObjectReader) ReadInline() (any, error) {
	tx := r.tx
	tid, err := r.d.VarUint()
	if err != nil {
		return nil, err
	}
	ti := tx.db.tableByID(uint32(tid))
	if ti == nil {
		return nil, &UnknownTypeIDError{ID: uint32(tid)}
	}
	obj := ti.creator(tx)
	r.RegisterInline(obj)
	err = tx.readObjFinish(r, ti, obj)
	if err != nil {
		return nil, err
	}
	return obj, nil
}

// FreeContent structurally skips an embedded object, collecting the
// dictionary IDs it owns.
func (r *ObjectReader) FreeContent(dicts *[]DictID) error {
	tx := r.tx
	tid, err := r.d.VarUint()
	if err != nil {
		return err
	}
	ti := tx.db.tableByID(uint32(tid))
	if ti == nil {
		return &UnknownTypeIDError{ID: uint32(tid)}
	}
	ver, err := r.d.VarUint()
	if err != nil {
		return err
	}
	return ti.freeContent(uint32(ver))(tx, r, dicts)
}

// readObjFinish reads the version field and runs the matching loader.
func (tx *Tx) readObjFinish(r *ObjectReader, ti *tableInfo, obj any) error {
	ver, err := r.d.VarUint()
	if err != nil {
		return err
	}
	return ti.loader(uint32(ver))(tx, r, obj)
}
