package simvm

import (
	"github.com/fansqz/mono-debugger-agent/debugger"
)

// Demo 演示程序：主线程启动一个工作线程，循环累加后退出
type Demo struct {
	VM      *VM
	Main    *debugger.Method
	Add     *debugger.Method
	Worker  *debugger.Method
	Program *debugger.Type
	Counter *debugger.Field

	// Countdown/Failure 只在递归演示程序中使用
	Countdown *debugger.Method
	Failure   *debugger.Type
}

// NewDemo 构造演示程序，iterations 为主循环次数
func NewDemo(iterations int) *Demo {
	b := NewBuilder()
	app := b.App()
	program := b.Class(app, "Demo", "Program", b.Object)
	counter := b.Field(program, "counter", b.Int32, true)

	add := b.Method(program, "Add", true, b.Int32, b.Param("a", b.Int32), b.Param("b", b.Int32))
	b.Source(add, "/app/Program.cs")
	b.Body(add,
		Instr{Op: OpReturn, Line: 8, Eval: func(f *Frame) debugger.Value {
			return debugger.IntValue(f.Args[0].Int() + f.Args[1].Int())
		}},
	)

	worker := b.Method(program, "Worker", true, b.Void)
	b.Source(worker, "/app/Program.cs")
	b.Body(worker,
		Instr{Op: OpNop, Line: 13},
		Instr{Op: OpSetStatic, Line: 14, Field: counter, Value: debugger.IntValue(100)},
		Instr{Op: OpReturn, Line: 15},
	)

	main := b.Method(program, "Main", true, b.Void)
	b.Source(main, "/app/Program.cs")
	sum := b.Local(main, "sum", b.Int32)
	code := []Instr{
		{Op: OpStartThread, Line: 20, Method: worker, Name: "Worker"},
		{Op: OpSetLocal, Line: 21, Index: sum, Value: debugger.IntValue(0)},
	}
	for i := 0; i < iterations; i++ {
		step := int64(i)
		code = append(code, Instr{Op: OpCall, Line: 23, Method: add, Index: sum, Eval: func(f *Frame) debugger.Value {
			return debugger.StructValue(f.Locals[sum], debugger.IntValue(step))
		}})
	}
	code = append(code, Instr{Op: OpReturn, Line: 25})
	b.Body(main, code...)
	app.EntryPoint = main

	return &Demo{
		VM:      New(b),
		Main:    main,
		Add:     add,
		Worker:  worker,
		Program: program,
		Counter: counter,
	}
}

// NewCountdown 递归演示程序
// Countdown(n) 在 n > 0 时调用 Countdown(n-1)，n == 0 时抛出一个被捕获的 CountdownException
func NewCountdown(depth int) *Demo {
	b := NewBuilder()
	app := b.App()
	program := b.Class(app, "Demo", "Recursion", b.Object)
	failure := b.Class(app, "Demo", "CountdownException", b.Exception)

	countdown := b.Method(program, "Countdown", true, b.Void, b.Param("n", b.Int32))
	b.Source(countdown, "/app/Recursion.cs")
	b.Body(countdown,
		Instr{Op: OpCall, Line: 6, Method: countdown, Index: -1,
			When: func(f *Frame) bool { return f.Args[0].Int() > 0 },
			Eval: func(f *Frame) debugger.Value {
				return debugger.StructValue(debugger.IntValue(f.Args[0].Int() - 1))
			}},
		Instr{Op: OpThrow, Line: 7, Class: failure, Caught: true,
			When: func(f *Frame) bool { return f.Args[0].Int() == 0 }},
		Instr{Op: OpReturn, Line: 8},
	)

	main := b.Method(program, "Main", true, b.Void)
	b.Source(main, "/app/Recursion.cs")
	b.Body(main,
		Instr{Op: OpCall, Line: 12, Method: countdown, Index: -1, Args: []debugger.Value{debugger.IntValue(int64(depth))}},
		Instr{Op: OpReturn, Line: 13},
	)
	app.EntryPoint = main

	return &Demo{
		VM:        New(b),
		Main:      main,
		Program:   program,
		Countdown: countdown,
		Failure:   failure,
	}
}

// Run 执行演示程序
func (d *Demo) Run() int {
	code := d.VM.Run(d.Main)
	d.VM.WaitThreads()
	return code
}
