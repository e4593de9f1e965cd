/*
Package classfile reads and writes compiled JVM class files.

A Class is a faithful, editable model of the binary format: constant pool
entries are kept with their exact payloads and attributes are kept as raw
bytes, so that serializing a parsed class without edits reproduces the input
byte for byte. Method bodies are only decoded on demand (see ParseCode and
package bytecode).
*/
package classfile
