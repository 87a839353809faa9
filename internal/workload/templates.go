package workload

// Templates returns the ordered list of workload commands for one guest OS
// family; the controller issues them in this order. The Linux and FreeBSD sets below are a
// representative subset of the full per-OS emulation list: read/write
// probes over files and directories, link creation, archiving, and
// metadata mutation, each exercising a different filesystem code path.
func Templates(family string) []Command {
	switch family {
	case "freebsd":
		return freebsdTemplates
	default:
		return linuxTemplates
	}
}

var linuxTemplates = []Command{
	{ReadOnly: true, Parts: []Part{Literal("find "), DirHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("ls -lah "), DirHole{}}},
	{Parts: []Part{Literal("touch "), DirHole{}, Literal("/TOUCHED")}},
	{Parts: []Part{Literal("mkdir -p "), DirHole{}, Literal("/a/b/c")}},
	{ReadOnly: true, Parts: []Part{Literal("dd if=/dev/urandom of="), DirHole{}, Literal("/DATA bs=1048576 count=2")}},
	{Parts: []Part{Literal("ln "), FileHole{}, Literal(" "), DirHole{}, Literal("/HARDLINK")}},
	{Parts: []Part{Literal("ln -s "), FileHole{}, Literal(" "), DirHole{}, Literal("/SOFTLINK")}},
	{ReadOnly: true, Parts: []Part{Literal("file "), FileHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("readlink "), FileHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("stat "), DirHole{}}},
	{Parts: []Part{Literal("cp -R "), FileHole{}, Literal(" "), DirHole{}, Literal("/COPIED")}},
	{ReadOnly: true, Parts: []Part{Literal("tar -jcvf /tmp/archive.bzip2 "), FileHole{}}},
	{Parts: []Part{Literal("chmod 640 "), FileHole{}}},
	{Parts: []Part{Literal("mv "), FileHole{}, Literal(" "), DirHole{}, Literal("/MOVED")}},
	{Parts: []Part{Literal("echo APPENDED >> "), FileHole{}}},
	{Parts: []Part{Literal("rm -rf "), DirHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("getfacl "), FileHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("du "), FileHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("wc "), FileHole{}}},
	{Parts: []Part{Literal("truncate -s 3 "), FileHole{}}},
}

var freebsdTemplates = []Command{
	{ReadOnly: true, Parts: []Part{Literal("/usr/bin/find "), DirHole{}, Literal("/*")}},
	{ReadOnly: true, Parts: []Part{Literal("/bin/ls -lah "), DirHole{}, Literal("/*")}},
	{Parts: []Part{Literal("/usr/bin/touch "), DirHole{}, Literal("/TOUCHED")}},
	{Parts: []Part{Literal("/bin/mkdir -p "), DirHole{}, Literal("/a/b/c")}},
	{ReadOnly: true, Parts: []Part{Literal("/bin/dd if=/dev/urandom of="), DirHole{}, Literal("/DATA bs=1048576 count=2")}},
	{Parts: []Part{Literal("/bin/ln "), FileHole{}, Literal(" "), DirHole{}, Literal("/HARDLINK")}},
	{Parts: []Part{Literal("/bin/ln -s "), FileHole{}, Literal(" "), DirHole{}, Literal("/SOFTLINK")}},
	{ReadOnly: true, Parts: []Part{Literal("/usr/bin/file "), FileHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("/usr/bin/readlink "), FileHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("/usr/bin/stat "), DirHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("/usr/bin/getfacl "), FileHole{}}},
	{Parts: []Part{Literal("/sbin/mknod "), DirHole{}, Literal("/NODDED")}},
	{Parts: []Part{Literal("/bin/chflags nodump "), FileHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("/usr/bin/du "), FileHole{}}},
	{ReadOnly: true, Parts: []Part{Literal("/usr/bin/wc "), FileHole{}}},
}
