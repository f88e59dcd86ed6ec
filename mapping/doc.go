/*
Package mapping converts inbound messages into commands and command results into
response messages. Registry holds explicit typed functions, JSONMapper copies fields
by name, and Chain combines them.
*/
package mapping
