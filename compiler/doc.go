/*

Process of execution

Scenario (yaml) ->
	build ->
Intermediate Representation (ir) ->
	lower ->
Virtual Register Code (asm) ->
	allocate ->
Machine Code (asm) ->
	run ->
Constant Value (ir.Const)

*/
package compiler
